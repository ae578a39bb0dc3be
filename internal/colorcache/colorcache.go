// Package colorcache assigns a stable terminal color to each task ID the
// first time its output is prefixed, so a task's stream output is visually
// distinguishable from its siblings across a run without the runner having
// to coordinate color assignment itself.
//
// Grounded on colorcache.ColorCache, generalized from per-package color
// assignment to per-task-ID assignment.
package colorcache

import (
	"fmt"
	"sync"

	"github.com/fatih/color"

	"github.com/moonrun/moonrun/internal/util"
)

type colorFn = func(format string, a ...interface{}) string

func terminalColors() []colorFn {
	return []colorFn{color.CyanString, color.MagentaString, color.GreenString, color.YellowString, color.BlueString}
}

// ColorCache hands out a consistent color per key, assigned on first use.
type ColorCache struct {
	mu    sync.Mutex
	index int
	cache map[string]colorFn
}

// New returns an empty ColorCache.
func New() *ColorCache {
	return &ColorCache{cache: map[string]colorFn{}}
}

func (c *ColorCache) colorForKey(key string) colorFn {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.cache[key]
	if ok {
		return fn
	}
	colors := terminalColors()
	fn = colors[util.PositiveMod(c.index, len(colors))]
	c.index++
	c.cache[key] = fn
	return fn
}

// PrefixWithColor renders "<prefix>: " in a color consistent for cacheKey
// across the life of this ColorCache.
func (c *ColorCache) PrefixWithColor(cacheKey, prefix string) string {
	fn := c.colorForKey(cacheKey)
	return fn(fmt.Sprintf("%s: ", prefix))
}
