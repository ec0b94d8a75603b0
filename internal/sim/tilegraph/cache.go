package tilegraph

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/sim/flight"
)

// Cache holds the current graph. It is either absent or fully valid.
type Cache struct {
	freeze func() Source
	async  bool
	log    *logrus.Entry

	mu    sync.Mutex
	graph *Graph
	gen   uint64

	worker    flight.Group
	builds    atomic.Uint64
	discarded atomic.Uint64
}

// NewCache builds graphs from freeze(). freeze is always called on the goroutine calling Get;
// with async set the build itself runs on a background worker and must not touch live state.
func NewCache(freeze func() Source, async bool, log *logrus.Entry) *Cache {
	return &Cache{freeze: freeze, async: async, log: logger.Or(log)}
}

// Invalidate drops the current graph. Builds started before the call are discarded.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.graph = nil
	c.gen++
	c.mu.Unlock()
}

// Get returns the current graph. When absent it triggers a rebuild; in async mode the graph is
// still absent on return and callers should retry on a later tick.
func (c *Cache) Get() (*Graph, bool) {
	c.mu.Lock()
	g, gen := c.graph, c.gen
	c.mu.Unlock()
	if g != nil {
		return g, true
	}

	if !c.async {
		src := c.freeze()
		var built *Graph
		c.worker.Do(func() { built = c.build(src, gen) })
		return built, built != nil
	}
	if c.worker.InFlight() {
		return nil, false
	}
	src := c.freeze()
	c.worker.TryGo(func() { c.build(src, gen) })
	return nil, false
}

func (c *Cache) build(src Source, gen uint64) *Graph {
	g := Build(src)
	c.builds.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.discarded.Add(1)
		c.log.WithField("gen", gen).Debug("discarding stale graph build")
		return nil
	}
	c.graph = g
	return g
}

// Valid reports whether a graph is currently cached, without triggering a build.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph != nil
}

// Wait blocks until any background build has finished.
func (c *Cache) Wait() { c.worker.Wait() }

func (c *Cache) Builds() uint64    { return c.builds.Load() }
func (c *Cache) Discarded() uint64 { return c.discarded.Load() }
