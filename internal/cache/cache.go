// Package cache keeps the latest published pose per marker for readers that
// must not touch the main context.
package cache

import (
	"maps"
	"sync"

	"github.com/OCAP2/markerpose/pkg/core"
)

// PoseCache maps marker ids to their last published sample.
type PoseCache struct {
	mu    sync.RWMutex
	poses map[int]core.PoseSample
}

// NewPoseCache creates a new PoseCache
func NewPoseCache() *PoseCache {
	return &PoseCache{
		poses: make(map[int]core.PoseSample),
	}
}

// Get retrieves the latest sample for a marker
func (c *PoseCache) Get(id int) (core.PoseSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.poses[id]
	return s, ok
}

// Set stores s unless a newer sample for the same marker is already cached.
func (c *PoseCache) Set(s core.PoseSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.poses[s.MarkerID]; ok && prev.Time.After(s.Time) {
		return
	}
	c.poses[s.MarkerID] = s
}

// Delete removes a marker
func (c *PoseCache) Delete(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.poses, id)
}

// Reset clears all markers from the cache
func (c *PoseCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poses = make(map[int]core.PoseSample)
}

// Len is the number of cached markers.
func (c *PoseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.poses)
}

// Snapshot returns a copy of every cached sample.
func (c *PoseCache) Snapshot() map[int]core.PoseSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.poses)
}
