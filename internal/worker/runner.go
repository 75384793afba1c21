package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Retester/internal/model"
)

// LinesEnv passes the changed lines of a test file to the test command as a
// comma separated list. It is empty when the whole file is to be run.
const LinesEnv = "RETESTER_LINES"

// stopDelay is how long a stopped test may run after a signal, before it is
// killed.
const stopDelay = 5 * time.Second

var signals = map[string]os.Signal{
	"":        syscall.SIGTERM,
	"TERM":    syscall.SIGTERM,
	"SIGTERM": syscall.SIGTERM,
	"INT":     os.Interrupt,
	"SIGINT":  os.Interrupt,
	"KILL":    os.Kill,
	"SIGKILL": os.Kill,
}

// Runner is the built-in worker. It reads commands, runs the test command
// for each dispatched file and replies with the outcome.
//
// Each test run is acknowledged by a test message, followed by pass or fail
// carrying the path to the captured output. Stopped runs do not reply.
type Runner struct {
	test   Command
	logDir string

	mx   sync.Mutex
	out  io.Writer
	runs map[string]*run
}

type run struct {
	cancel context.CancelFunc
	signal os.Signal
}

// NewRunner returns a runner executing test with the test file as the last
// argument. Outputs are stored in logDir, os.TempDir if empty.
func NewRunner(test Command, logDir string) *Runner {
	if logDir == "" {
		logDir = os.TempDir()
	}
	return &Runner{
		test:   test,
		logDir: logDir,
		runs:   make(map[string]*run),
	}
}

// Do serves commands read from in until it's closed or ctx is cancelled.
// Pending runs are stopped before Do returns.
func (r *Runner) Do(ctx context.Context, in io.Reader, out io.Writer) error {
	r.out = out
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	defer func() {
		r.stop(ctx, "")
		_ = g.Wait()
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := model.ParseMessage(line)
		if err != nil {
			slog.WarnContext(ctx, "ignoring malformed command", "line", string(line), "error", err)
			continue
		}

		switch msg.Kind {
		case model.KindTest:
			if err := r.reply(model.Message{Kind: model.KindTest, File: msg.File, Lines: msg.Lines}); err != nil {
				return err
			}
			runCtx := r.start(ctx, msg.File)
			g.Go(func() error {
				r.runTest(runCtx, msg)
				return nil
			})
		case model.KindStop:
			r.stop(ctx, msg.Signal)
		default:
			slog.WarnContext(ctx, "ignoring unsupported command", "message", msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading commands: %w", err)
	}
	return nil
}

// start registers a new run of file, a previous run of the same file is
// stopped.
func (r *Runner) start(ctx context.Context, file string) context.Context {
	r.mx.Lock()
	defer r.mx.Unlock()
	if prev, ok := r.runs[file]; ok {
		prev.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	rn := &run{cancel: cancel, signal: syscall.SIGTERM}
	r.runs[file] = rn
	return context.WithValue(runCtx, runKey{}, rn)
}

type runKey struct{}

func (r *Runner) stop(ctx context.Context, signal string) {
	sig, ok := signals[strings.ToUpper(signal)]
	if !ok {
		slog.WarnContext(ctx, "unknown signal: using SIGTERM", "signal", signal)
		sig = syscall.SIGTERM
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	for file, rn := range r.runs {
		slog.DebugContext(ctx, "stopping test", "file", file, "signal", sig.String())
		rn.signal = sig
		rn.cancel()
		delete(r.runs, file)
	}
}

// finish unregisters the run and reports whether it was stopped
func (r *Runner) finish(ctx context.Context, file string) bool {
	own, _ := ctx.Value(runKey{}).(*run)
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.runs[file]; ok && cur == own {
		delete(r.runs, file)
		return false
	}
	return true
}

func (r *Runner) runTest(ctx context.Context, msg model.Message) {
	logPath := filepath.Join(r.logDir, "retester-"+uuid.NewString()+".log")
	err := r.exec(ctx, msg, logPath)

	if r.finish(ctx, msg.File) {
		slog.DebugContext(ctx, "test stopped", "file", msg.File)
		return
	}

	kind := model.KindPass
	if err != nil {
		kind = model.KindFail
		slog.DebugContext(ctx, "test failed", "file", msg.File, "error", err)
	}
	result := model.Message{Kind: kind, File: msg.File, Lines: msg.Lines, Log: logPath}
	if err := r.reply(result); err != nil {
		slog.ErrorContext(ctx, "replying test result failed", "message", result, "error", err)
	}
}

func (r *Runner) exec(ctx context.Context, msg model.Message, logPath string) error {
	f, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating test log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if r.test.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.test.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.test.Args...), msg.File)
	cmd := exec.CommandContext(ctx, r.test.Path, args...)
	env := r.test.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), LinesEnv+"="+joinLines(msg.Lines))
	cmd.Dir = filepath.Dir(msg.File)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Cancel = func() error {
		if rn, ok := ctx.Value(runKey{}).(*run); ok {
			r.mx.Lock()
			sig := rn.signal
			r.mx.Unlock()
			return cmd.Process.Signal(sig)
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = stopDelay

	slog.DebugContext(ctx, "running test", "file", msg.File, "path", r.test.Path, "log", logPath)
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			_, _ = fmt.Fprintf(f, "\nretester: test timed out after %s\n", r.test.Timeout)
		}
		return err
	}
	return nil
}

func (r *Runner) reply(msg model.Message) error {
	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, err := r.out.Write(line); err != nil {
		return fmt.Errorf("writing %s reply: %w", msg.Kind, err)
	}
	return nil
}

func joinLines(lines []int) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ",")
}
