// Package metrics defines the metric names and tags emitted by the tiling pipeline.
package metrics

import (
	"time"

	obserrors "github.com/target/iview-tiler/internal/observability/errors"
	"github.com/target/iview-tiler/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Tile job transitions.
const (
	TransitionEnqueue  = "enqueue"
	TransitionClaim    = "claim"
	TransitionComplete = "complete"
	TransitionAbandon  = "abandon"
	TransitionRemove   = "remove"
	TransitionReset    = "reset"
)

// TileJobMetric captures one tile job lifecycle event.
type TileJobMetric struct {
	Transition string
	Result     string
	Count      int64
	Duration   time.Duration
	Err        error
}

// EmitTileJobTransition emits tiling.job.transition and, when a duration is set, tiling.job.duration.
func EmitTileJobTransition(sink statsd.Sink, in TileJobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	count := in.Count
	if count <= 0 {
		count = 1
	}
	sink.Count("tiling.job.transition", count, tags)

	if in.Duration > 0 {
		sink.Timing("tiling.job.duration", in.Duration, CloneTags(tags))
	}
}

// ResultFor picks success, noop or error for an operation outcome.
func ResultFor(err error, changed bool) string {
	switch {
	case err != nil:
		return ResultError
	case !changed:
		return ResultNoop
	default:
		return ResultSuccess
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
