package treadmill

import (
	"errors"
	"fmt"

	"github.com/lowaak/treadmill-bridge/internal/ftms"
)

var (
	ErrNotConnected   = errors.New("treadmill not connected")
	ErrCommandTimeout = errors.New("control command timed out")
	ErrAlreadyRunning = errors.New("link already running")
)

// LinkError is a connection or subscription failure. The link retries these.
type LinkError struct {
	Op      string
	Address string
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// CommandError is a control point write that failed on both write paths. Never retried.
type CommandError struct {
	Command ftms.ControlCommand
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("control command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
