package notify_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CZERTAINLY/Retester/internal/model"
	"github.com/CZERTAINLY/Retester/internal/notify"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testLog = "Run options: --seed 1234\n" +
	"\x1b[32m.\x1b[0m\x1b[31mF\x1b[0m\n" +
	"\x1b[1;31m2 tests, 3 assertions, 1 failures, 0 errors, 0 skips\x1b[0m\n" +
	"Finished in 0.01s\n"

func TestStatistics(t *testing.T) {
	t.Parallel()
	require.Equal(t, "2 tests, 3 assertions, 1 failures, 0 errors, 0 skips\n", notify.Statistics([]byte(testLog)))

	goLog := "=== RUN   TestA\n--- FAIL: TestA (0.00s)\n    a_test.go:7: boom\nFAIL\nFAIL\texample.com/a\t0.002s\n"
	require.Equal(t, "--- FAIL: TestA (0.00s)\nFAIL\texample.com/a\t0.002s\n", notify.Statistics([]byte(goLog)))
	require.Empty(t, notify.Statistics(nil))
}

func TestNewNote(t *testing.T) {
	t.Parallel()
	log := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(log, []byte(testLog), 0o644))

	note := notify.NewNote(model.Message{
		Kind: model.KindPassToFail,
		File: "a_test.rb",
		Payload: &model.Message{
			Kind: model.KindFail,
			File: "a_test.rb",
			Log:  log,
		},
	})
	require.Equal(t, notify.Note{
		Icon:  "dialog-error",
		Title: "PASS-TO-FAIL a_test.rb",
		Body:  "2 tests, 3 assertions, 1 failures, 0 errors, 0 skips\n",
	}, note)

	note = notify.NewNote(model.Message{
		Kind: model.KindFailToPass,
		File: "a_test.rb",
		Payload: &model.Message{
			Kind: model.KindPass,
			Log:  filepath.Join(t.TempDir(), "missing.log"),
		},
	})
	require.Equal(t, "dialog-information", note.Icon)
	require.Equal(t, "a_test.rb", note.Body)
}

type runs struct {
	mx    sync.Mutex
	calls [][]string
	fail  map[string]bool
}

func (r *runs) run(_ context.Context, name string, args ...string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.fail[name] {
		return errors.New(name + " failed")
	}
	return nil
}

func TestNotifier(t *testing.T) {
	t.Parallel()

	t.Run("edges only", func(t *testing.T) {
		t.Parallel()
		r := &runs{}
		n := notify.New(t.Context(), 2).WithRunner(r.run)
		ctx := t.Context()

		require.NoError(t, n.Publish(ctx, model.Message{Kind: model.KindPass, File: "a_test.go"}))
		require.NoError(t, n.Publish(ctx, model.Message{Kind: model.KindFail, File: "a_test.go"}))
		require.NoError(t, n.Publish(ctx, model.Message{Kind: model.KindPassToFail, File: "a_test.go"}))
		require.NoError(t, n.Close())

		require.Len(t, r.calls, 1)
		require.Equal(t, []string{"notify-send", "-i", "dialog-error", "PASS-TO-FAIL a_test.go", "a_test.go"}, r.calls[0])

		require.ErrorIs(t, n.Publish(ctx, model.Message{Kind: model.KindFailToPass}), notify.ErrClosed)
		require.ErrorIs(t, n.Close(), notify.ErrClosed)
	})

	t.Run("fallbacks", func(t *testing.T) {
		t.Parallel()
		r := &runs{fail: map[string]bool{"notify-send": true, "growlnotify": true}}
		n := notify.New(t.Context(), 1).WithRunner(r.run)

		require.NoError(t, n.Publish(t.Context(), model.Message{Kind: model.KindFailToPass, File: "b_test.go"}))
		require.NoError(t, n.Close())

		require.Len(t, r.calls, 3)
		require.Equal(t, "notify-send", r.calls[0][0])
		require.Equal(t, []string{"growlnotify", "-a", "Xcode", "-m", "b_test.go", "FAIL-TO-PASS b_test.go"}, r.calls[1])
		require.Equal(t, []string{"xmessage", "-timeout", "5", "-title", "FAIL-TO-PASS b_test.go", "b_test.go"}, r.calls[2])
	})
}
