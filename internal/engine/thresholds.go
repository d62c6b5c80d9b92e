package engine

import (
	"maps"
	"sync"
)

// ThresholdSource supplies the live gate thresholds copied into each new
// run.
type ThresholdSource interface {
	Thresholds() map[string]float64
}

// LiveThresholds is a ThresholdSource that can be replaced at runtime,
// for example when the configuration file changes. Runs already created
// keep their snapshot.
type LiveThresholds struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewLiveThresholds creates a LiveThresholds holding a copy of values.
func NewLiveThresholds(values map[string]float64) *LiveThresholds {
	return &LiveThresholds{values: maps.Clone(values)}
}

// Thresholds returns a copy of the current thresholds.
func (l *LiveThresholds) Thresholds() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.values)
}

// Set replaces the current thresholds.
func (l *LiveThresholds) Set(values map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = maps.Clone(values)
}
