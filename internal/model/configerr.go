package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail describes a single configuration error.
type CueErrorDetail struct {
	Path    string // service.mode
	Code    string // unknown_field | missing_required | invalid_value | validation_error
	Message string
	Pos     CueErrorPosition
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// rules are matched in order, the first match wins
var rules = []struct {
	code   string
	rx     *regexp.Regexp
	format string
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed`), "field %s is not allowed"},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value|field is required`), "field %s is required"},
	// mode and version are the only fields with fixed values, a conflict is
	// an invalid value there
	{"invalid_value", regexp.MustCompile(`(?i)empty disjunction|conflicting values|invalid value|out of bound`), "field %s has an invalid value"},
}

// enumPaths are listed with their possible values
var enumPaths = []string{
	"service.mode",
}

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if _, ok := seen[pos]; ok && pos.Filename != "" {
			continue
		}
		seen[pos] = struct{}{}

		format, args := e.Msg()
		elems := e.Path()
		if len(elems) > 0 && strings.HasPrefix(elems[0], "#") {
			elems = elems[1:]
		}
		path := strings.Join(elems, ".")
		d := classify(fmt.Sprintf(format, args...), path)
		d.Pos = pos
		for _, p := range enumPaths {
			if p == path {
				d.Message += ": possible values (" + strings.Join(enumValues(root.LookupPath(cue.ParsePath(p))), ",") + ")"
			}
		}
		out = append(out, d)
	}
	return out
}

func classify(raw, path string) CueErrorDetail {
	name := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		name = path[i+1:]
	}
	for _, r := range rules {
		if r.rx.MatchString(raw) {
			return CueErrorDetail{Path: path, Code: r.code, Message: fmt.Sprintf(r.format, name)}
		}
	}
	return CueErrorDetail{Path: path, Code: "validation_error", Message: raw}
}

// enumValues returns the quoted string values of a disjunction
func enumValues(v cue.Value) []string {
	_, args := v.Expr()
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && a.Kind() == cue.StringKind {
			values = append(values, strconv.Quote(s))
		}
	}
	return values
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}
