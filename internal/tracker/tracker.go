package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"

	"github.com/CZERTAINLY/Retester/internal/diff"
	"github.com/CZERTAINLY/Retester/internal/model"
	"github.com/CZERTAINLY/Retester/internal/worker"
)

var (
	ErrNothingRunning = errors.New("there are no running test files to stop")
	ErrNothingPassed  = errors.New("there are no passed test files to re-run")
	ErrNothingFailed  = errors.New("there are no failed test files to re-run")
	ErrNoWorker       = errors.New("no worker")
	ErrStopped        = errors.New("tracker stopped")
)

type op int

const (
	opDispatch op = iota
	opStop
	opRerunPassed
	opRerunFailed
	opRestart
	opState
)

type request struct {
	op     op
	file   string
	lines  []int
	signal string
	reply  chan response
}

type response struct {
	err   error
	state State
}

type delivery struct {
	generation uint64
	msg        model.Message
}

// State is a snapshot of the tracked sets. Each slice is sorted.
type State struct {
	Waiting []string
	Running []string
	Passed  []string
	Failed  []string
}

type Tracker struct {
	factory     worker.Factory
	detector    *diff.Detector
	subscribers []model.Subscriber
	exists      func(path string) bool

	requests chan request
	messages chan delivery
	done     chan struct{}

	// owned by the event loop
	files      map[string]fileState
	handle     worker.Handle
	generation uint64
	quit       chan struct{}
}

// New creates a tracker which runs test files on workers created by factory
// and republishes all worker messages and transition events to subscribers.
func New(factory worker.Factory, subscribers ...model.Subscriber) *Tracker {
	return &Tracker{
		factory:     factory,
		detector:    diff.NewDetector(),
		subscribers: subscribers,
		exists:      isFile,

		requests: make(chan request),
		messages: make(chan delivery),
		done:     make(chan struct{}),

		files: make(map[string]fileState),
	}
}

// WithDetector replaces the change detector. This method exists for a unit testing only.
func (t *Tracker) WithDetector(d *diff.Detector) *Tracker {
	t.detector = d
	return t
}

// WithExists replaces the check of a test file existence. This method exists
// for a unit testing only.
func (t *Tracker) WithExists(exists func(path string) bool) *Tracker {
	t.exists = exists
	return t
}

// Dispatch sends file to the worker. Without lines only the lines changed
// since the last dispatch of file are run, no lines means the whole file.
// A zero in lines forces the whole file. Files which don't exist or wait
// for the worker already are ignored.
//
// A file is waiting only once the worker accepted it. If the changed lines
// can't be found or the worker can't be reached, the error is returned and
// the file can be dispatched again.
func (t *Tracker) Dispatch(ctx context.Context, file string, lines ...int) error {
	return t.callErr(ctx, request{op: opDispatch, file: file, lines: lines})
}

// StopRunning asks the worker to stop running test files and forgets them
// without waiting for a confirmation. Returns ErrNothingRunning as a warning.
func (t *Tracker) StopRunning(ctx context.Context, signal string) error {
	return t.callErr(ctx, request{op: opStop, signal: signal})
}

// RerunPassed dispatches all passed test files. Returns ErrNothingPassed as a warning.
func (t *Tracker) RerunPassed(ctx context.Context) error {
	return t.callErr(ctx, request{op: opRerunPassed})
}

// RerunFailed dispatches all failed test files. Returns ErrNothingFailed as a warning.
func (t *Tracker) RerunFailed(ctx context.Context) error {
	return t.callErr(ctx, request{op: opRerunFailed})
}

// RestartWorker replaces the worker with a new one and dispatches there the
// test files which were waiting or running on the old one.
func (t *Tracker) RestartWorker(ctx context.Context) error {
	return t.callErr(ctx, request{op: opRestart})
}

// State returns a snapshot of tracked test files.
func (t *Tracker) State(ctx context.Context) (State, error) {
	resp, err := t.call(ctx, request{op: opState})
	if err != nil {
		return State{}, err
	}
	return resp.state, nil
}

func (t *Tracker) callErr(ctx context.Context, req request) error {
	resp, err := t.call(ctx, req)
	if err != nil {
		return err
	}
	return resp.err
}

func (t *Tracker) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case t.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-t.done:
		return response{}, ErrStopped
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-t.done:
		return response{}, ErrStopped
	}
}

// Do runs the tracker event loop. It starts the first worker and then
// serializes two concerns:
//  1. Requests from the public methods.
//  2. Messages delivered by the current worker.
//
// Shutdown closes the worker and all subscribers implementing
// model.SubscribeCloser. Returns nil on cancellation or an error if the
// first worker can't be started.
func (t *Tracker) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a tracker")
	defer close(t.done)
	defer t.closeSubscribers(ctx)
	defer t.closeWorker(ctx)

	if err := t.restartWorker(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.requests:
			req.reply <- t.handleRequest(ctx, req)
		case d := <-t.messages:
			if d.generation != t.generation {
				slog.DebugContext(ctx, "dropping message of a replaced worker", "message", d.msg)
				continue
			}
			t.handleWorkerEvent(ctx, d.msg)
		}
	}
}

func (t *Tracker) handleRequest(ctx context.Context, req request) response {
	switch req.op {
	case opDispatch:
		return response{err: t.dispatch(ctx, req.file, req.lines)}
	case opStop:
		return response{err: t.stopRunning(ctx, req.signal)}
	case opRerunPassed:
		return response{err: t.rerun(ctx, Passed, ErrNothingPassed)}
	case opRerunFailed:
		return response{err: t.rerun(ctx, Failed, ErrNothingFailed)}
	case opRestart:
		return response{err: t.restartWorker(ctx)}
	case opState:
		return response{state: t.state()}
	default:
		slog.WarnContext(ctx, "operation not supported: ignoring", "op", req.op)
		return response{}
	}
}

func (t *Tracker) dispatch(ctx context.Context, file string, lines []int) error {
	if !t.exists(file) {
		slog.DebugContext(ctx, "test file does not exist: ignoring", "file", file)
		return nil
	}
	st := t.files[file]
	if st.waiting {
		slog.DebugContext(ctx, "test file already waiting: ignoring", "file", file)
		return nil
	}

	if len(lines) == 0 {
		var err error
		lines, err = t.detector.ChangedLines(file)
		if err != nil {
			return fmt.Errorf("finding changed lines of %s: %w", file, err)
		}
	} else if slices.Contains(lines, 0) {
		lines = []int{}
	}

	msg := model.Message{Kind: model.KindTest, File: file, Lines: lines}
	slog.DebugContext(ctx, "dispatching", "message", msg)
	if t.handle == nil {
		return fmt.Errorf("dispatching %s: %w", file, ErrNoWorker)
	}
	if err := t.handle.Send(ctx, msg); err != nil {
		return fmt.Errorf("dispatching %s: %w", file, err)
	}

	st.waiting = true
	st.stopped = false
	t.set(file, st)
	return nil
}

func (t *Tracker) stopRunning(ctx context.Context, signal string) error {
	running := t.collect(func(s fileState) bool { return s.running })
	if len(running) == 0 {
		slog.WarnContext(ctx, ErrNothingRunning.Error())
		return ErrNothingRunning
	}

	var err error
	if t.handle == nil {
		err = ErrNoWorker
	} else {
		err = t.handle.Send(ctx, model.Message{Kind: model.KindStop, Signal: signal})
	}

	// optimistic, the worker does not confirm the stop
	for _, file := range running {
		st := t.files[file]
		st.running = false
		st.stopped = true
		t.files[file] = st
	}
	if err != nil {
		return fmt.Errorf("stopping running test files: %w", err)
	}
	return nil
}

func (t *Tracker) rerun(ctx context.Context, verdict Verdict, empty error) error {
	files := t.collect(func(s fileState) bool { return s.verdict == verdict })
	if len(files) == 0 {
		slog.WarnContext(ctx, empty.Error())
		return empty
	}
	return t.dispatchAll(ctx, files)
}

func (t *Tracker) dispatchAll(ctx context.Context, files []string) error {
	var errs []error
	for _, file := range files {
		if err := t.dispatch(ctx, file, nil); err != nil {
			slog.ErrorContext(ctx, "dispatch failed", "file", file, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) restartWorker(ctx context.Context) error {
	t.closeWorker(ctx)

	t.generation++
	t.quit = make(chan struct{})
	handle, err := t.factory(ctx, t.deliverFunc(t.generation, t.quit))
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	t.handle = handle
	slog.DebugContext(ctx, "worker created", "generation", t.generation)

	// re-dispatch the previously dispatched files to the new worker
	dispatched := t.collect(func(s fileState) bool { return s.running || s.waiting })
	for _, file := range dispatched {
		st := t.files[file]
		st.waiting = false
		t.set(file, st)
	}
	return t.dispatchAll(ctx, dispatched)
}

func (t *Tracker) closeWorker(ctx context.Context) {
	if t.handle == nil {
		return
	}
	// unblocks deliveries of the closed worker
	close(t.quit)
	if err := t.handle.Close(); err != nil {
		slog.ErrorContext(ctx, "closing worker have failed", "error", err)
	}
	t.handle = nil
}

func (t *Tracker) deliverFunc(generation uint64, quit <-chan struct{}) worker.DeliverFunc {
	return func(msg model.Message) {
		select {
		case t.messages <- delivery{generation: generation, msg: msg}:
		case <-quit:
		case <-t.done:
		}
	}
}

// handleWorkerEvent republishes msg and applies it to the state of msg.File.
func (t *Tracker) handleWorkerEvent(ctx context.Context, msg model.Message) {
	t.publish(ctx, msg)

	if msg.File == "" {
		return
	}
	st, event := apply(t.files[msg.File], msg)
	t.set(msg.File, st)
	if event != nil {
		slog.InfoContext(ctx, "test file transition", "message", *event)
		t.publish(ctx, *event)
	}
}

// set stores st, idle files are not tracked
func (t *Tracker) set(file string, st fileState) {
	if st.idle() {
		delete(t.files, file)
		return
	}
	t.files[file] = st
}

func (t *Tracker) publish(ctx context.Context, msg model.Message) {
	var errs []error
	for _, s := range t.subscribers {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "publish failed", "message", msg, "error", err)
	}
}

func (t *Tracker) closeSubscribers(ctx context.Context) {
	for _, s := range t.subscribers {
		if closer, ok := s.(model.SubscribeCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing subscriber have failed", "error", err)
			}
		}
	}
}

func (t *Tracker) collect(pred func(fileState) bool) []string {
	var ret []string
	for file, st := range t.files {
		if pred(st) {
			ret = append(ret, file)
		}
	}
	sort.Strings(ret)
	return ret
}

func (t *Tracker) state() State {
	return State{
		Waiting: t.collect(func(s fileState) bool { return s.waiting }),
		Running: t.collect(func(s fileState) bool { return s.running }),
		Passed:  t.collect(func(s fileState) bool { return s.verdict == Passed }),
		Failed:  t.collect(func(s fileState) bool { return s.verdict == Failed }),
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
