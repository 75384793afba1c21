package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Op is the operation of a control command.
type Op string

const (
	OpDispatch    Op = "dispatch"
	OpStop        Op = "stop"
	OpRerunPassed Op = "rerun-passed"
	OpRerunFailed Op = "rerun-failed"
	OpRestart     Op = "restart"
	OpQuit        Op = "quit"
)

var (
	ErrUnknownOp = errors.New("unknown control operation")
	ErrNoFile    = errors.New("dispatch requires a file")
)

// Control is a command read from the control input, one JSON document per line
//
//	{"op":"dispatch","file":"pkg/foo_test.go","lines":[12,13]}
//	{"op":"stop","signal":"SIGINT"}
type Control struct {
	Op     Op     `json:"op"`
	File   string `json:"file,omitempty"`
	Lines  []int  `json:"lines,omitempty"`
	Signal string `json:"signal,omitempty"`
}

func ParseControl(line []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(line, &c); err != nil {
		return Control{}, fmt.Errorf("decoding control command: %w", err)
	}
	switch c.Op {
	case OpDispatch:
		if c.File == "" {
			return Control{}, ErrNoFile
		}
	case OpStop, OpRerunPassed, OpRerunFailed, OpRestart, OpQuit:
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
	return c, nil
}

// readControl sends each non-empty line of r to lines and closes it on EOF.
// A read blocked on r outlives ctx until r returns.
func readControl(ctx context.Context, r io.Reader, lines chan<- []byte) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		line := make([]byte, len(b))
		copy(line, b)
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.WarnContext(ctx, "reading control input failed", "error", err)
	}
}
