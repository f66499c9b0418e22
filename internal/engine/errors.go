package engine

import "errors"

// ErrInvalidInput is returned for a malformed Tick or an out-of-range
// configuration value. Wrap it with fmt.Errorf("...: %w", ErrInvalidInput)
// to attach detail; callers should compare with errors.Is.
var ErrInvalidInput = errors.New("engine: invalid input")

// ErrNotRunning is returned by Enqueue when the Engine is in the
// Constructed or Stopped state. Read paths do not return errors and
// never report it.
var ErrNotRunning = errors.New("engine: not running")

// ErrAlreadyRunning is returned by Start when the engine has already
// been started.
var ErrAlreadyRunning = errors.New("engine: already running")
