// Package diff finds the lines of a test file which changed since the file was
// inspected last time. It keeps the previous content of every inspected file
// in memory and compares it with the current content using a Myers line diff,
// which yields a minimal edit script over a longest common subsequence.
package diff

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Detector caches a snapshot of lines per file path.
// The zero value is not usable, use NewDetector.
type Detector struct {
	mx    sync.Mutex
	lines map[string][]string
}

func NewDetector() *Detector {
	return &Detector{
		lines: make(map[string][]string),
	}
}

// ChangedLines returns the ascending 1-based numbers of lines inserted or
// replaced in path since the previous call for the same path.
//
// The first call for a path reports no changes as there is nothing to
// compare with. The snapshot is replaced with the current content before the
// comparison, so a call always moves the baseline forward. An error reading
// the file is returned as is and leaves the snapshot untouched.
func (d *Detector) ChangedLines(path string) ([]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test file: %w", err)
	}
	newLines := splitLinesKeepNL(string(b))

	d.mx.Lock()
	oldLines, ok := d.lines[path]
	if !ok {
		oldLines = newLines
	}
	d.lines[path] = newLines
	d.mx.Unlock()

	return Changed(oldLines, newLines), nil
}

// Forget drops the snapshot of path, next ChangedLines reports no changes.
func (d *Detector) Forget(path string) {
	d.mx.Lock()
	defer d.mx.Unlock()
	delete(d.lines, path)
}

// Len returns a number of cached snapshots.
func (d *Detector) Len() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.lines)
}

// Changed compares two line sequences and returns the ascending 1-based
// positions in b of lines that were inserted or replaced. Deleted lines have
// no position in b and are not reported.
func Changed(a, b []string) []int {
	ra, rb := linesToRunes(a, b)

	dmp := diffmatchpatch.New()
	// no deadline, a timeout falls back to a non minimal diff
	dmp.DiffTimeout = 0

	ret := []int{}
	j := 0
	for _, d := range dmp.DiffMainRunes(ra, rb, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			j += n
		case diffmatchpatch.DiffInsert:
			for range n {
				j++
				ret = append(ret, j)
			}
		}
	}
	return ret
}

// linesToRunes encodes every distinct line as a single rune, so the
// character diff works on whole lines.
func linesToRunes(a, b []string) ([]rune, []rune) {
	index := make(map[string]rune, len(a)+len(b))
	encode := func(lines []string) []rune {
		ret := make([]rune, len(lines))
		for i, line := range lines {
			r, ok := index[line]
			if !ok {
				r = lineRune(len(index))
				index[line] = r
			}
			ret[i] = r
		}
		return ret
	}
	return encode(a), encode(b)
}

// lineRune skips the surrogate range, those runes don't survive a conversion
// to string.
func lineRune(i int) rune {
	if i >= 0xD800 {
		i += 0x800
	}
	return rune(i)
}

// splitLinesKeepNL splits into lines and keeps newline characters, so a
// missing newline at the end of file is a change of the last line.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	// SplitAfter yields an empty tail for content ending with a newline
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
