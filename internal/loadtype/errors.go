package loadtype

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine and its components.
var (
	// ErrFetch matches any failure of the fetch stage.
	ErrFetch = errors.New("sketch: fetch failed")

	// ErrDecode matches any failure of the decode stage.
	ErrDecode = errors.New("sketch: decode failed")

	// ErrTransform matches any failure of the transform stage.
	ErrTransform = errors.New("sketch: transform failed")

	// ErrNoComponent is returned when the registry has no fetcher or decoder
	// for a request.
	ErrNoComponent = errors.New("sketch: no applicable component")

	// ErrCacheIO is returned when a disk cache commit fails.
	ErrCacheIO = errors.New("sketch: cache io")

	// ErrCanceled is returned when a load observes cancellation.
	// It matches context.Canceled.
	ErrCanceled = fmt.Errorf("sketch: canceled: %w", context.Canceled)

	// ErrDepth is returned when the request's depth forbids the next source.
	ErrDepth = errors.New("sketch: depth limit reached")

	// ErrSourceConsumed is returned when a one-shot source is opened twice.
	ErrSourceConsumed = errors.New("sketch: source already consumed")

	// ErrNotFound is returned by fetchers when the identifier does not exist.
	ErrNotFound = errors.New("sketch: not found")
)

// Stage identifies the pipeline stage an error came from.
type Stage uint8

// Pipeline stages.
const (
	StageFetch Stage = iota
	StageDecode
	StageTransform
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageFetch:
		return "fetch"
	case StageDecode:
		return "decode"
	case StageTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// LoadError records which stage of which load failed.
//
// errors.Is(err, ErrFetch), ErrDecode and ErrTransform match on Stage; the
// wrapped error is reachable through Unwrap.
type LoadError struct {
	Stage Stage
	URI   string
	Err   error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("sketch: %s %s: %v", e.Stage, e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's stage.
func (e *LoadError) Is(target error) bool {
	switch target {
	case ErrFetch:
		return e.Stage == StageFetch
	case ErrDecode:
		return e.Stage == StageDecode
	case ErrTransform:
		return e.Stage == StageTransform
	default:
		return false
	}
}

// StageErr wraps err with stage provenance. Cancellation and errors that
// already carry a stage are returned unchanged.
func StageErr(stage Stage, uri string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		if errors.Is(err, ErrCanceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	var le *LoadError
	if errors.As(err, &le) {
		return err
	}
	return &LoadError{Stage: stage, URI: uri, Err: err}
}
