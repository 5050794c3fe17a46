package sketch

import (
	"errors"

	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/internal/loadtype"
)

// ErrClosed is returned for requests submitted after Close.
var ErrClosed = errors.New("sketch: engine closed")

// Errors re-exported from loadtype.
var (
	// ErrFetch matches any failure of the fetch stage.
	ErrFetch = loadtype.ErrFetch

	// ErrDecode matches any failure of the decode stage.
	ErrDecode = loadtype.ErrDecode

	// ErrTransform matches any failure of the transform stage.
	ErrTransform = loadtype.ErrTransform

	// ErrNoComponent is returned when no fetcher or decoder accepts a request.
	ErrNoComponent = loadtype.ErrNoComponent

	// ErrCacheIO is returned when committing to the download cache fails.
	ErrCacheIO = loadtype.ErrCacheIO

	// ErrCanceled is returned when a load is canceled. It matches context.Canceled.
	ErrCanceled = loadtype.ErrCanceled

	// ErrDepth is returned when the request's depth forbids the next source.
	ErrDepth = loadtype.ErrDepth

	// ErrNotFound is returned by fetchers when the identifier does not exist.
	ErrNotFound = loadtype.ErrNotFound

	// ErrSourceConsumed is returned when a one-shot source is opened twice.
	ErrSourceConsumed = loadtype.ErrSourceConsumed
)

// Errors re-exported from the disk cache.
var (
	// ErrEditorBusy is returned when another editor holds a disk cache key.
	ErrEditorBusy = disk.ErrEditorBusy
)

// LoadError records which stage of which load failed.
type LoadError = loadtype.LoadError

// Stage identifies the pipeline stage an error came from.
type Stage = loadtype.Stage

// Stage constants.
const (
	StageFetch     = loadtype.StageFetch
	StageDecode    = loadtype.StageDecode
	StageTransform = loadtype.StageTransform
)

// StageErr wraps err with stage provenance for uri. Cancellation and errors
// that already carry a stage are returned unchanged. Components may use it to
// report failures the way the engine does.
func StageErr(stage Stage, uri string, err error) error {
	return loadtype.StageErr(stage, uri, err)
}
