package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Retester/internal/model"
	"github.com/CZERTAINLY/Retester/internal/notify"
	"github.com/CZERTAINLY/Retester/internal/tracker"
	"github.com/CZERTAINLY/Retester/internal/worker"
)

// restartDelay is a pause before a worker, which exited on its own, gets
// restarted. Prevents a busy loop on a worker crashing on start.
var restartDelay = time.Second

type Supervisor struct {
	tracker   *tracker.Tracker
	in        io.Reader
	scheduler gocron.Scheduler
	restarts  chan struct{}
	timer     chan struct{}
}

// SupervisorFromConfig wires the configured worker, subscribers and schedule.
// Control commands are read from in, every message is written to out.
func SupervisorFromConfig(ctx context.Context, cfg model.Config, in io.Reader, out io.Writer) (*Supervisor, error) {
	switch cfg.Service.Mode {
	case "", model.ServiceModeManual, model.ServiceModeTimer:
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedMode, cfg.Service.Mode)
	}

	cmd, err := worker.CommandFrom(cfg.Worker)
	if err != nil {
		return nil, fmt.Errorf("parsing worker: %w", err)
	}

	subscribers, err := subscribers(ctx, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("initializing subscribers: %w", err)
	}

	s := NewSupervisor(worker.NewFactory(cmd, nil), in, subscribers...)
	if cfg.Service.Mode == model.ServiceModeTimer {
		if err := s.WithSchedule(ctx, cfg.Service.Schedule); err != nil {
			closeSubscribers(ctx, subscribers)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}
	return s, nil
}

// NewSupervisor returns a supervisor in manual mode.
func NewSupervisor(factory worker.Factory, in io.Reader, subscribers ...model.Subscriber) *Supervisor {
	s := &Supervisor{
		in:       in,
		restarts: make(chan struct{}, 1),
		timer:    make(chan struct{}, 1),
	}
	s.tracker = tracker.New(s.watch(factory), subscribers...)
	return s
}

// WithSchedule switches the supervisor to timer mode: failed test files are
// re-run on each tick of the schedule.
func (s *Supervisor) WithSchedule(ctx context.Context, cfg *model.TimerSchedule) error {
	scheduler, err := newScheduler(ctx, cfg, func() { signal(s.timer) })
	if err != nil {
		return err
	}
	s.scheduler = scheduler
	return nil
}

// State returns a snapshot of the tracked test files.
func (s *Supervisor) State(ctx context.Context) (tracker.State, error) {
	return s.tracker.State(ctx)
}

// Do runs the tracker and the control loop until the context is cancelled,
// the control input is closed or a quit command is received.
//
// The control loop multiplexes
//  1. Control commands read from the input.
//  2. Restart requests of a worker which exited on its own.
//  3. Ticks of the timer mode schedule.
//
// Returns nil on graceful shutdown or an error if the worker can't be started.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.tracker.Do(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.control(ctx)
	})
	return g.Wait()
}

func (s *Supervisor) control(ctx context.Context) error {
	lines := make(chan []byte)
	go readControl(ctx, s.in, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				slog.InfoContext(ctx, "control input closed: stopping")
				return nil
			}
			c, err := ParseControl(line)
			if err != nil {
				slog.WarnContext(ctx, "ignoring control command", "line", string(line), "error", err)
				continue
			}
			if c.Op == OpQuit {
				slog.InfoContext(ctx, "quit received: stopping")
				return nil
			}
			if err := s.handleControl(ctx, c); errors.Is(err, tracker.ErrStopped) {
				return nil
			} else if err != nil {
				slog.WarnContext(ctx, "control command failed", "op", c.Op, "error", err)
			}
		case <-s.restarts:
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(restartDelay):
			}
			slog.WarnContext(ctx, "worker exited: restarting")
			if err := s.tracker.RestartWorker(ctx); errors.Is(err, tracker.ErrStopped) {
				return nil
			} else if err != nil {
				slog.ErrorContext(ctx, "restarting worker failed", "error", err)
			}
		case <-s.timer:
			err := s.tracker.RerunFailed(ctx)
			switch {
			case errors.Is(err, tracker.ErrStopped):
				return nil
			case errors.Is(err, tracker.ErrNothingFailed):
				slog.DebugContext(ctx, "scheduled re-run: nothing failed")
			case err != nil:
				slog.ErrorContext(ctx, "scheduled re-run failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) handleControl(ctx context.Context, c Control) error {
	switch c.Op {
	case OpDispatch:
		return s.tracker.Dispatch(ctx, c.File, c.Lines...)
	case OpStop:
		return s.tracker.StopRunning(ctx, c.Signal)
	case OpRerunPassed:
		return s.tracker.RerunPassed(ctx)
	case OpRerunFailed:
		return s.tracker.RerunFailed(ctx)
	case OpRestart:
		return s.tracker.RestartWorker(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
}

// watch wraps a factory, so a worker exiting without being closed requests
// a restart.
func (s *Supervisor) watch(factory worker.Factory) worker.Factory {
	return func(ctx context.Context, deliver worker.DeliverFunc) (worker.Handle, error) {
		h, err := factory(ctx, deliver)
		if err != nil {
			return nil, err
		}
		w := &watched{Handle: h}
		if d, ok := h.(interface{ Done() <-chan struct{} }); ok {
			go func() {
				select {
				case <-d.Done():
					if !w.closing.Load() {
						signal(s.restarts)
					}
				case <-ctx.Done():
				}
			}()
		}
		return w, nil
	}
}

type watched struct {
	worker.Handle
	closing atomic.Bool
}

func (w *watched) Close() error {
	w.closing.Store(true)
	return w.Handle.Close()
}

// signal never blocks, a pending signal is enough
func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, tickFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	} else {
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(tickFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func subscribers(ctx context.Context, cfg model.Config, out io.Writer) ([]model.Subscriber, error) {
	subscribers := []model.Subscriber{NewWriteSubscriber(out)}

	if cfg.Service.Dir != "" {
		u, err := NewOSRootSubscriber(cfg.Service.Dir)
		if err != nil {
			return nil, err
		}
		subscribers = append(subscribers, u)
	}

	if cfg.Service.Webhook != nil && cfg.Service.Webhook.Enabled {
		u, err := NewWebhookSubscriber(ctx, cfg.Service.Webhook.URL)
		if err != nil {
			closeSubscribers(ctx, subscribers)
			return nil, err
		}
		subscribers = append(subscribers, u)
	}

	if cfg.Notify.Enabled {
		subscribers = append(subscribers, notify.New(ctx, cfg.Notify.Parallel))
	}
	return subscribers, nil
}

func closeSubscribers(ctx context.Context, subscribers []model.Subscriber) {
	for _, sub := range subscribers {
		if closer, ok := sub.(model.SubscribeCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing subscriber have failed", "error", err)
			}
		}
	}
}
