package gwserver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/langdb/gateway/gwmodel"
)

// CatalogEntry binds one provider/model pair to the adapter that serves it.
type CatalogEntry struct {
	Provider string
	Model    string
	Client   gwmodel.Client

	// Prompt is the entry's declared prompt template, composed with each
	// request's transcript before the adapter is invoked. Optional.
	Prompt *gwmodel.PromptTemplate
}

// id returns the entry's canonical "provider/model" identifier.
func (e CatalogEntry) id() string {
	return e.Provider + "/" + e.Model
}

// Catalog is the process-wide model registry: immutable after construction,
// safe for concurrent read access.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

// NewCatalog builds a Catalog from entries. A later duplicate with the same
// Provider/Model pair overwrites an earlier one.
func NewCatalog(entries ...CatalogEntry) *Catalog {
	c := &Catalog{entries: make(map[string]CatalogEntry, len(entries))}
	for _, e := range entries {
		c.entries[strings.ToLower(e.id())] = e
	}
	return c
}

// Resolve looks up modelID, matching exactly on "provider/model" first and
// falling back to a case-insensitive bare-model search across every
// registered provider when modelID carries no "provider/" prefix.
func (c *Catalog) Resolve(modelID string) (*CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := strings.ToLower(modelID)
	if e, ok := c.entries[key]; ok {
		return &e, true
	}

	if strings.Contains(modelID, "/") {
		return nil, false
	}

	for _, e := range c.entries {
		if strings.EqualFold(e.Model, modelID) {
			e := e
			return &e, true
		}
	}
	return nil, false
}

// List returns every catalog entry's provider/model pair, sorted for a
// stable /v1/models response.
func (c *Catalog) List() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].id() < out[j].id()
	})
	return out
}

// errModelNotFound builds the error returned by handlers when Resolve fails.
func errModelNotFound(modelID string) error {
	return fmt.Errorf("gwserver: model %q not found in catalog", modelID)
}
