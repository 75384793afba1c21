package tracker

import (
	"slices"

	"github.com/CZERTAINLY/Retester/internal/model"
)

// Verdict is the outcome of the most recent qualifying run of a file.
type Verdict int

const (
	Unknown Verdict = iota
	Passed
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// fileState is the state of a single test file. A file can be waiting for a
// new run while the previous one is still running, so the phases are flags.
type fileState struct {
	waiting bool // dispatched, start of run not acknowledged yet
	running bool // start of run acknowledged, result pending
	verdict Verdict
	// stopped marks a run cleared by StopRunning, its late result must not
	// change the verdict
	stopped bool
}

func (s fileState) idle() bool {
	return s == fileState{}
}

// apply computes the state after a worker message and an optional
// transition event. It does not mutate anything.
func apply(s fileState, msg model.Message) (fileState, *model.Message) {
	switch msg.Kind {
	case model.KindTest:
		s.waiting = false
		s.running = true
		return s, nil

	case model.KindPass:
		s.running = false
		if s.stopped {
			s.stopped = false
			return s, nil
		}
		// only whole file runs qualify as pass
		if !msg.FullScope() {
			return s, nil
		}
		wasFail := s.verdict == Failed
		s.verdict = Passed
		if wasFail {
			return s, transition(model.KindFailToPass, msg)
		}
		return s, nil

	case model.KindFail:
		s.running = false
		if s.stopped {
			s.stopped = false
			return s, nil
		}
		wasPass := s.verdict == Passed
		s.verdict = Failed
		if wasPass {
			return s, transition(model.KindPassToFail, msg)
		}
		return s, nil

	default:
		return s, nil
	}
}

func transition(kind model.Kind, msg model.Message) *model.Message {
	payload := msg
	payload.Lines = slices.Clone(msg.Lines)
	return &model.Message{
		Kind:    kind,
		File:    msg.File,
		Payload: &payload,
	}
}
