package diff_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Retester/internal/diff"
	"github.com/stretchr/testify/require"
)

func TestChanged(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		old      []string
		new      []string
		then     []int
	}{
		{
			scenario: "identical",
			old:      []string{"a\n", "b\n", "c\n"},
			new:      []string{"a\n", "b\n", "c\n"},
			then:     []int{},
		},
		{
			scenario: "replace",
			old:      []string{"a\n", "b\n", "c\n"},
			new:      []string{"a\n", "X\n", "c\n"},
			then:     []int{2},
		},
		{
			scenario: "insert",
			old:      []string{"a\n", "b\n", "c\n"},
			new:      []string{"a\n", "b\n", "N\n", "c\n"},
			then:     []int{3},
		},
		{
			scenario: "delete",
			old:      []string{"a\n", "b\n", "c\n"},
			new:      []string{"a\n", "c\n"},
			then:     []int{},
		},
		{
			scenario: "append",
			old:      []string{"a\n", "b\n"},
			new:      []string{"a\n", "b\n", "c\n"},
			then:     []int{3},
		},
		{
			scenario: "multiple hunks",
			old:      []string{"a\n", "b\n", "c\n", "d\n", "e\n"},
			new:      []string{"a\n", "B\n", "c\n", "d\n", "E\n", "f\n"},
			then:     []int{2, 5, 6},
		},
		{
			scenario: "moved block",
			old:      []string{"A1\n", "A2\n", "A3\n", "x\n", "B1\n", "B2\n", "B3\n", "L1\n", "L2\n", "L3\n", "L4\n"},
			new:      []string{"L1\n", "L2\n", "L3\n", "L4\n", "A1\n", "A2\n", "A3\n", "y\n", "B1\n", "B2\n", "B3\n"},
			then:     []int{1, 2, 3, 4, 8},
		},
		{
			scenario: "longest block is not kept",
			old:      []string{"a\n", "b\n", "c\n", "d\n", "x\n", "y\n", "z\n"},
			new:      []string{"x\n", "y\n", "z\n", "a\n", "b\n", "c\n", "d\n"},
			then:     []int{1, 2, 3},
		},
		{
			scenario: "to empty",
			old:      []string{"a\n", "b\n"},
			new:      []string{},
			then:     []int{},
		},
		{
			scenario: "from empty",
			old:      []string{},
			new:      []string{"a\n", "b\n"},
			then:     []int{1, 2},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, diff.Changed(tc.old, tc.new))
		})
	}
}

func TestChanged_RepeatedLines(t *testing.T) {
	t.Parallel()
	// frequent lines must still match each other
	old := make([]string, 0, 300)
	for range 300 {
		old = append(old, "end\n")
	}
	new := append([]string(nil), old...)
	new[150] = "changed\n"

	require.Equal(t, []int{151}, diff.Changed(old, new))
}

func TestDetector(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "a_test.go")
	write := func(content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	d := diff.NewDetector()

	write("one\ntwo\nthree\n")
	t.Run("first inspection is quiet", func(t *testing.T) {
		lines, err := d.ChangedLines(path)
		require.NoError(t, err)
		require.Empty(t, lines)
		require.Equal(t, 1, d.Len())
	})

	write("one\n2\nthree\nfour\n")
	t.Run("changes", func(t *testing.T) {
		lines, err := d.ChangedLines(path)
		require.NoError(t, err)
		require.Equal(t, []int{2, 4}, lines)
	})

	t.Run("baseline moved", func(t *testing.T) {
		lines, err := d.ChangedLines(path)
		require.NoError(t, err)
		require.Empty(t, lines)
	})

	write("one\n2\nthree\nfour")
	t.Run("missing trailing newline", func(t *testing.T) {
		lines, err := d.ChangedLines(path)
		require.NoError(t, err)
		require.Equal(t, []int{4}, lines)
	})

	t.Run("forget", func(t *testing.T) {
		write("completely\ndifferent\n")
		d.Forget(path)
		require.Zero(t, d.Len())
		lines, err := d.ChangedLines(path)
		require.NoError(t, err)
		require.Empty(t, lines)
	})

	t.Run("not exists", func(t *testing.T) {
		_, err := d.ChangedLines(filepath.Join(dir, "nope_test.go"))
		require.Error(t, err)
		require.ErrorIs(t, err, os.ErrNotExist)
		require.Equal(t, 1, d.Len())
	})
}
