// Package telemetry accumulates per-request execution timing: one
// TimeSegment per model call and per tool invocation, from which
// modelTime, toolsTime, firstResponseTime, and iteration count are
// derived.
package telemetry

import (
	"sync"
	"time"

	"github.com/simstudio/workflow-core/pkg/provider"
)

// SegmentType distinguishes a model round-trip from a tool invocation
// when aggregating a Clock's recorded segments.
type SegmentType string

const (
	SegmentModel SegmentType = "model"
	SegmentTool  SegmentType = "tool"
)

// Clock accumulates TimeSegments for a single request. Safe for
// concurrent use — tool invocations within one EXECUTE_TOOLS batch may
// run on separate goroutines.
type Clock struct {
	mu        sync.Mutex
	start     time.Time
	open      map[string]time.Time
	segments  []provider.TimeSegment
	modelIter int
}

// New starts a Clock at the current time.
func New() *Clock {
	return &Clock{start: time.Now(), open: make(map[string]time.Time)}
}

func key(t SegmentType, name string) string { return string(t) + ":" + name }

// Start marks the beginning of a named segment of the given type.
func (c *Clock) Start(t SegmentType, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[key(t, name)] = time.Now()
	if t == SegmentModel {
		c.modelIter++
	}
}

// End closes a segment previously opened with Start and records it.
func (c *Clock) End(t SegmentType, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(t, name)
	started, ok := c.open[k]
	if !ok {
		return
	}
	delete(c.open, k)
	now := time.Now()
	c.segments = append(c.segments, provider.TimeSegment{
		Type:      string(t),
		Name:      name,
		StartTime: started,
		EndTime:   now,
		Duration:  now.Sub(started),
	})
}

// Finish derives modelTime/toolsTime/firstResponseTime/iterations from
// the recorded segments and returns the completed timing block.
func (c *Clock) Finish() *provider.ProviderTiming {
	c.mu.Lock()
	defer c.mu.Unlock()

	timing := &provider.ProviderTiming{
		StartTime:    c.start,
		EndTime:      time.Now(),
		TimeSegments: append([]provider.TimeSegment(nil), c.segments...),
	}
	timing.Duration = timing.EndTime.Sub(timing.StartTime)

	for _, seg := range c.segments {
		switch SegmentType(seg.Type) {
		case SegmentModel:
			timing.ModelTime += seg.Duration
			if timing.FirstResponseTime == 0 {
				timing.FirstResponseTime = seg.EndTime.Sub(c.start)
			}
			timing.Iterations++
		case SegmentTool:
			timing.ToolsTime += seg.Duration
		}
	}

	return timing
}
