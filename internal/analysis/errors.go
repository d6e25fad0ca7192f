package analysis

import (
	"errors"
	"fmt"
)

// ErrEmptyInput marks a stage that received an empty table. It is never
// returned; it is attached to debug logs.
var ErrEmptyInput = errors.New("empty input")

// ErrIDSpaceExhausted reports an event whose source cluster ids leave no room
// for the clusters built by the engine.
var ErrIDSpaceExhausted = errors.New("cluster id space exhausted")

// Per-event stages, used in failure reports and metrics labels.
const (
	StageRead      = "read"
	StageAnnotate  = "annotate"
	StageClassify  = "classify"
	StageCalibrate = "calibrate"
	StageMerge     = "merge"
	StageCluster2D = "cluster2d"
	StageCluster3D = "cluster3d"
	StageFill      = "fill"
)

// EventError reports an aborted event with enough context to re-process it.
type EventError struct {
	Entry int
	Run   uint32
	Lumi  uint32
	Event uint64
	Stage string
	Err   error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event entry %d (run %d, lumi %d, event %d) failed in %s: %v",
		e.Entry, e.Run, e.Lumi, e.Event, e.Stage, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }
