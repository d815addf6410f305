package weave

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// AnalysisCache memoizes stack analyses between visitors. Entries are keyed by body identity and commit
// version, so a committed edit session implicitly invalidates the prior analysis.
type AnalysisCache struct {
	cache *ristretto.Cache[string, *StackAnalysis]
}

// NewAnalysisCache creates a cache bounded to roughly maxInstructions analyzed instructions.
func NewAnalysisCache(maxInstructions int64) (*AnalysisCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *StackAnalysis]{
		NumCounters: max(1024, maxInstructions/8),
		MaxCost:     max(1, maxInstructions),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create analysis cache failed: %w", err)
	}
	return &AnalysisCache{cache: cache}, nil
}

// Analyze returns the cached analysis for the method body, computing it when absent. A nil cache always
// computes, as does a body with an open edit session.
func (c *AnalysisCache) Analyze(m *Method) (*StackAnalysis, error) {
	if c == nil || m.Body == nil || m.Body.Editing() {
		return AnalyzeStack(m)
	}
	key := m.Body.cacheKey()
	if a, ok := c.cache.Get(key); ok && a.method == m {
		return a, nil
	}
	a, err := AnalyzeStack(m)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, a, int64(max(1, len(a.instrs))))
	return a, nil
}

// Close releases the cache resources.
func (c *AnalysisCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}
