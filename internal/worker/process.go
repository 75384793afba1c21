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
	"sync"
	"time"

	"github.com/CZERTAINLY/Retester/internal/model"
)

// maxLine limits the size of a single message read from a worker
const maxLine = 1024 * 1024

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// CommandFrom converts a configured command.
func CommandFrom(cfg model.Command) (Command, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path:    cfg.Path,
		Args:    append([]string(nil), cfg.Args...),
		Env:     cfg.Environ(),
		Timeout: timeout,
	}, nil
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Process is a Handle backed by a child process.
type Process struct {
	mx         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	cancelFunc context.CancelFunc
	result     Result
	done       chan struct{}
}

// NewFactory returns a Factory spawning proto for each new worker.
func NewFactory(proto Command, stderrFunc StderrFunc) Factory {
	return func(ctx context.Context, deliver DeliverFunc) (Handle, error) {
		return Start(ctx, proto, deliver, stderrFunc)
	}
}

// Start runs the worker process. Messages the worker prints to stdout are
// passed to deliver, stderr lines to stderrFunc, which defaults to debug
// logging. It does NOT wait on command to finish, use Done or Close.
func Start(ctx context.Context, proto Command, deliver DeliverFunc, stderrFunc StderrFunc) (*Process, error) {
	if deliver == nil {
		return nil, errors.New("deliver func is nil")
	}
	if stderrFunc == nil {
		stderrFunc = logStderr
	}

	p := &Process{
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
		done: make(chan struct{}),
	}

	if proto.Timeout == 0 {
		ctx, p.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, p.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	p.cmd = exec.CommandContext(ctx, proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		p.cmd.Env = proto.Env
	}
	// grandchildren may keep the pipes open after the worker is killed
	p.cmd.WaitDelay = time.Second

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		p.cancelFunc()
		return nil, err
	}
	p.stdin = stdin

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW

	p.result.Started = time.Now().UTC()
	if err := p.cmd.Start(); err != nil {
		p.cancelFunc()
		return nil, fmt.Errorf("starting worker %s: %w", proto.Path, err)
	}
	slog.DebugContext(ctx, "worker started", "path", proto.Path, "pid", p.cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Go(func() {
		p.processStdout(ctx, stdoutR, deliver)
	})
	readers.Go(func() {
		p.processStderr(ctx, stderrR, stderrFunc)
	})
	go p.wait(ctx, stdoutW, stderrW, &readers)
	return p, nil
}

func (p *Process) processStdout(ctx context.Context, stdout io.Reader, deliver DeliverFunc) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := model.ParseMessage(line)
		if err != nil {
			slog.WarnContext(ctx, "ignoring malformed worker message", "line", string(line), "error", err)
			continue
		}
		deliver(msg)
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "processing worker stdout", "error", err)
		// unblock the writer side
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func (p *Process) processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "processing worker stderr", "error", err)
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func (p *Process) wait(ctx context.Context, stdout, stderr *io.PipeWriter, readers *sync.WaitGroup) {
	err := p.cmd.Wait()
	_ = stdout.Close()
	_ = stderr.Close()
	readers.Wait()
	p.cancelFunc()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.result.Stopped = stopped
	p.result.State = p.cmd.ProcessState
	p.result.Err = err
	p.mx.Unlock()

	slog.DebugContext(ctx, "worker exited", "path", p.result.Path, "error", err)
	close(p.done)
}

// Send writes msg as a single line to the worker's stdin.
func (p *Process) Send(_ context.Context, msg model.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.stdin == nil {
		return ErrClosed
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("sending %s to worker: %w", msg.Kind, err)
	}
	return nil
}

// Done returns a channel closed after the worker process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Close closes the worker's stdin, kills the process and waits until all
// its output was processed. Calling Close more than once is safe.
func (p *Process) Close() error {
	p.mx.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.mx.Unlock()

	p.cancelFunc()
	<-p.done
	return nil
}

// Result returns the process result, Err is ErrRunning
// while the worker is still running.
func (p *Process) Result() Result {
	select {
	case <-p.done:
	default:
		return Result{Path: p.result.Path, Args: p.result.Args, Err: ErrRunning}
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.result
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "worker stderr", "line", line)
}
