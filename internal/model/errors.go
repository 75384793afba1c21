package model

import (
	"errors"
)

var (
	ErrNoKind          = errors.New("message has no kind")
	ErrUnsupportedMode = errors.New("unsupported service mode")
)
