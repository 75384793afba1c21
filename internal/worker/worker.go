// Package worker implements the channel between the tracker and a long-lived
// worker process, which actually executes test files.
//
// Messages are exchanged as JSON documents, one per line: commands are
// written to the worker's stdin, results are read from its stdout. Stderr of
// the worker is forwarded line by line to a StderrFunc.
//
//	Tracker              Process                worker
//	   |  Send(test) ----->| stdin  ---------------->|
//	   |                   |                         | runs the file
//	   |<-- deliver(test) -| stdout <----------------|
//	   |<-- deliver(pass) -| stdout <----------------|
//	   |  Close() -------->| kill + wait ----------->x
//
// Invariants:
//   - deliver is called from a single goroutine in the order lines arrive.
//   - deliver is never called after Close returns.
//   - Done is closed once the process has exited, for any reason.
//   - Close waits for pending deliveries, so deliver must return promptly
//     once the caller decided to close the worker.
//
// Runner is the other end of the pipe, the built-in worker started by
// `retester _worker`.
package worker

import (
	"context"
	"errors"

	"github.com/CZERTAINLY/Retester/internal/model"
)

var (
	ErrClosed  = errors.New("worker closed")
	ErrRunning = errors.New("worker is running")
)

// DeliverFunc receives messages from a worker.
type DeliverFunc func(model.Message)

// Handle is a bidirectional channel to a worker.
type Handle interface {
	// Send writes a command to a worker, it does not wait for any response.
	Send(ctx context.Context, msg model.Message) error
	// Close tears the worker down.
	Close() error
}

// Factory creates a new worker which delivers its messages to deliver.
type Factory func(ctx context.Context, deliver DeliverFunc) (Handle, error)
