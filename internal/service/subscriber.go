package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/CZERTAINLY/Retester/internal/model"
)

// lockName guards an events directory against a concurrent retester
const lockName = "retester.lock"

var ErrDirLocked = errors.New("events directory is used by another retester")

// WriteSubscriber writes every message as a JSON line to w.
type WriteSubscriber struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriteSubscriber(w io.Writer) *WriteSubscriber {
	if w == nil {
		w = os.Stdout
	}
	return &WriteSubscriber{w: w}
}

func (u *WriteSubscriber) Publish(_ context.Context, msg model.Message) error {
	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}
	u.mx.Lock()
	defer u.mx.Unlock()
	_, err = u.w.Write(line)
	return err
}

// OSRootSubscriber appends every message to a JSON lines file created
// inside dir. The file is created on the first message. The directory is
// locked until Close.
type OSRootSubscriber struct {
	mx   sync.Mutex
	root *os.Root
	lock *flock.Flock
	f    *os.File
	name string
}

func NewOSRootSubscriber(path string) (*OSRootSubscriber, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(path, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("locking events directory: %w", err)
	}
	if !locked {
		_ = root.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirLocked, path)
	}

	return &OSRootSubscriber{
		root: root,
		lock: lock,
		name: "retester-" + time.Now().Format("2006-01-02-15-04-05") + ".jsonl",
	}, nil
}

// Name returns the events file name relative to the directory.
func (u *OSRootSubscriber) Name() string {
	return u.name
}

func (u *OSRootSubscriber) Publish(ctx context.Context, msg model.Message) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.root == nil {
		return errors.New("root already closed")
	}

	if u.f == nil {
		f, err := u.root.OpenFile(u.name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("creating events file: %w", err)
		}
		u.f = f
		slog.InfoContext(ctx, "saving events", "path", u.name)
	}

	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}
	if _, err := u.f.Write(line); err != nil {
		return fmt.Errorf("saving event: %w", err)
	}
	return nil
}

func (u *OSRootSubscriber) Close() error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.root == nil {
		return errors.New("subscriber already closed")
	}
	var errs []error
	if u.f != nil {
		errs = append(errs, u.f.Close())
		u.f = nil
	}
	errs = append(errs, u.root.Close())
	errs = append(errs, u.lock.Unlock())
	u.root = nil
	return errors.Join(errs...)
}
