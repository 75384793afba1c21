// Package notify raises desktop notifications when a test file transitions
// from pass to fail or vice versa. Repeated passes or fails are never
// notified, because the tracker emits transition events only on genuine
// edges.
//
// Notifications are shown by external programs, which may be slow or block,
// so Publish only enqueues the event and a background goroutine runs the
// programs with a bounded parallelism.
package notify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Retester/internal/model"
	"golang.org/x/sync/errgroup"
)

const (
	queueSize = 64
	timeout   = 10 * time.Second
)

var (
	ErrClosed   = errors.New("notifier closed")
	ErrNoNotify = errors.New("no notification program succeeded")

	// statistics lines of a test log, e.g. "3 tests, 1 failure," or a go test
	// summary like "--- FAIL: TestX (0.00s)"
	statisticsRx = regexp.MustCompile(`^(\d+ \w+,|--- FAIL: |FAIL\s|ok\s)`)
	// ANSI SGR escape codes
	sgrRx = regexp.MustCompile(`\x1b\[\d+(;\d+)?m`)
)

// RunFunc runs a notification program.
type RunFunc func(ctx context.Context, name string, args ...string) error

// Note is a single notification.
type Note struct {
	Icon  string
	Title string
	Body  string
}

type Notifier struct {
	mx       sync.RWMutex
	closed   bool
	queue    chan model.Message
	run      RunFunc
	g        *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New starts a notifier running at most parallel notification programs at
// once. The notifier must be closed.
func New(ctx context.Context, parallel int) *Notifier {
	if parallel < 1 {
		parallel = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	g.SetLimit(parallel)
	n := &Notifier{
		queue:    make(chan model.Message, queueSize),
		run:      runCommand,
		g:        g,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go n.loop()
	return n
}

// WithRunner changes the way how are notification programs executed.
// This method exists for a unit testing only.
func (n *Notifier) WithRunner(run RunFunc) *Notifier {
	n.run = run
	return n
}

// Publish enqueues transition events, other messages are ignored. It never
// blocks, an event is dropped if the queue is full.
func (n *Notifier) Publish(ctx context.Context, msg model.Message) error {
	if !msg.Kind.IsTransition() {
		return nil
	}
	n.mx.RLock()
	defer n.mx.RUnlock()
	if n.closed {
		return ErrClosed
	}
	select {
	case n.queue <- msg:
	default:
		slog.WarnContext(ctx, "notification queue is full: dropping", "message", msg)
	}
	return nil
}

// Close waits for queued notifications to be shown.
func (n *Notifier) Close() error {
	n.mx.Lock()
	if n.closed {
		n.mx.Unlock()
		return ErrClosed
	}
	n.closed = true
	close(n.queue)
	n.mx.Unlock()

	<-n.loopDone
	err := n.g.Wait()
	n.cancel()
	return err
}

func (n *Notifier) loop() {
	defer close(n.loopDone)
	for msg := range n.queue {
		note := NewNote(msg)
		// Go blocks while the limit is reached
		n.g.Go(func() error {
			if err := n.show(n.ctx, note); err != nil {
				slog.WarnContext(n.ctx, "notification failed", "title", note.Title, "error", err)
			}
			return nil
		})
	}
}

// show tries the notification programs in order until one succeeds.
func (n *Notifier) show(ctx context.Context, note Note) error {
	var errs []error
	for _, args := range commands(note) {
		err := n.run(ctx, args[0], args[1:]...)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%w: %w", ErrNoNotify, errors.Join(errs...))
}

func commands(note Note) [][]string {
	return [][]string{
		{"notify-send", "-i", note.Icon, note.Title, note.Body},
		{"growlnotify", "-a", "Xcode", "-m", note.Body, note.Title},
		{"xmessage", "-timeout", "5", "-title", note.Title, note.Body},
	}
}

// NewNote builds a notification of a transition event. The body contains
// the statistics lines of the test log referenced by the wrapped message.
func NewNote(msg model.Message) Note {
	note := Note{
		Title: strings.ToUpper(string(msg.Kind)) + " " + msg.File,
	}
	switch msg.Kind {
	case model.KindFailToPass:
		note.Icon = "dialog-information"
	case model.KindPassToFail:
		note.Icon = "dialog-error"
	}

	log := msg.Log
	if msg.Payload != nil && msg.Payload.Log != "" {
		log = msg.Payload.Log
	}
	if log != "" {
		b, err := os.ReadFile(log)
		if err != nil {
			slog.Debug("can't read test log", "log", log, "error", err)
		} else {
			note.Body = Statistics(b)
		}
	}
	if note.Body == "" {
		note.Body = msg.File
	}
	return note
}

// Statistics returns the statistics lines of a test log without ANSI colors.
func Statistics(log []byte) string {
	var buf strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(log))
	for scanner.Scan() {
		line := sgrRx.ReplaceAllString(scanner.Text(), "")
		if statisticsRx.MatchString(line) {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func runCommand(ctx context.Context, name string, args ...string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return nil
}
