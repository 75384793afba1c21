package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Kind is the discriminator of a Message.
type Kind string

const (
	// KindTest is a dispatch command when sent to a worker and a run-started
	// acknowledgment when received from it.
	KindTest Kind = "test"
	KindStop Kind = "stop"
	KindPass Kind = "pass"
	KindFail Kind = "fail"

	// derived, emitted by the tracker only
	KindFailToPass Kind = "fail-to-pass"
	KindPassToFail Kind = "pass-to-fail"
)

// IsTransition reports whether k is a derived edge-triggered kind.
func (k Kind) IsTransition() bool {
	return k == KindFailToPass || k == KindPassToFail
}

// Message is the unit exchanged with a worker and republished downstream.
// It is encoded as a single JSON line on the wire.
type Message struct {
	Kind Kind   `json:"kind"`
	File string `json:"file,omitempty"`
	// Lines is the line scope of a run, empty means the whole file
	Lines  []int  `json:"lines"`
	Signal string `json:"signal,omitempty"`
	// Log is a reference to the run output, set by the worker on pass/fail
	Log string `json:"log,omitempty"`
	// Payload carries the original worker message of a transition event
	Payload *Message `json:"payload,omitempty"`
}

// FullScope reports whether the message covers the whole test file.
func (m Message) FullScope() bool {
	return len(m.Lines) == 0
}

func (m Message) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(m.Kind)),
	}
	if m.File != "" {
		attrs = append(attrs, slog.String("file", m.File))
	}
	if len(m.Lines) > 0 {
		attrs = append(attrs, slog.Any("lines", m.Lines))
	}
	if m.Signal != "" {
		attrs = append(attrs, slog.String("signal", m.Signal))
	}
	return slog.GroupValue(attrs...)
}

// MarshalLine encodes a message as a JSON document terminated by a newline.
func (m Message) MarshalLine() ([]byte, error) {
	if m.Lines == nil {
		m.Lines = []int{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	return append(b, '\n'), nil
}

// ParseMessage decodes a single JSON line into a Message.
func ParseMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, ErrNoKind
	}
	return m, nil
}
