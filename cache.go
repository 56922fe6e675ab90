package golucet

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoizes compiled artifacts in memory, keyed by a content hash of
// the input and the compilation flags that change output. Safe for
// concurrent use and sharable across Compilers.
type Cache struct {
	entries *lru.Cache[uint64, []byte]
}

// NewCache returns a cache bounded to the given number of artifacts.
func NewCache(maxEntries int) (*Cache, error) {
	entries, err := lru.New[uint64, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

func cacheKey(source []byte, instrCounting bool) uint64 {
	d := xxhash.New()
	_, _ = d.Write(source)
	if instrCounting {
		_, _ = d.Write([]byte{1})
	} else {
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func (c *Cache) get(source []byte, instrCounting bool) ([]byte, bool) {
	return c.entries.Get(cacheKey(source, instrCounting))
}

func (c *Cache) add(source []byte, instrCounting bool, artifact []byte) {
	c.entries.Add(cacheKey(source, instrCounting), artifact)
}

// Len reports the number of cached artifacts.
func (c *Cache) Len() int { return c.entries.Len() }
