package stream

import "sync"

// Cache buffers the increments already emitted for an in-flight generation
// so a reconnecting client can resume from an increment index instead of
// restarting the upstream call.
//
// Entries live only as long as one relay invocation; there is no durability
// across restarts. The implementation can be swapped for a distributed
// cache without touching the relay.
type Cache interface {
	// Append records one increment for a stream, preserving order.
	Append(streamID, increment string)
	// Replay returns the cached increments from index from onward. An index
	// past the end returns an empty slice.
	Replay(streamID string, from int) []string
	// Discard drops a stream's entry. Called on terminal success or failure
	// so the cache never grows unbounded.
	Discard(streamID string)
}

// MemoryCache is the in-process Cache. A single relay task appends to any
// given stream while resumption reads replay it, so one RWMutex over the
// map is enough; distinct streams never contend on entry data.
type MemoryCache struct {
	mu      sync.RWMutex
	streams map[string][]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{streams: make(map[string][]string)}
}

func (c *MemoryCache) Append(streamID, increment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[streamID] = append(c.streams[streamID], increment)
}

func (c *MemoryCache) Replay(streamID string, from int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached := c.streams[streamID]
	if from < 0 {
		from = 0
	}
	if from >= len(cached) {
		return nil
	}
	out := make([]string, len(cached)-from)
	copy(out, cached[from:])
	return out
}

func (c *MemoryCache) Discard(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, streamID)
}

var _ Cache = (*MemoryCache)(nil)
