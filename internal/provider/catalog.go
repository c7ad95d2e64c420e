package provider

import (
	"sort"

	"github.com/google/uuid"

	"github.com/yew011/etwpilot-sub000/internal/maps"
)

// Catalog resolves providers known to the host.
type Catalog interface {
	LookupByName(name string) (Descriptor, bool)
	LookupByGUID(g uuid.UUID) (Descriptor, bool)
}

// Lister is implemented by catalogs that can enumerate their entries.
type Lister interface {
	List() []Descriptor
}

// StaticCatalog is an in-memory catalog, filled from configuration or by a
// platform enumerator. Safe for concurrent use.
type StaticCatalog struct {
	byName maps.ConcurrentMap[string, Descriptor]
	byGUID maps.ConcurrentMap[string, Descriptor]
}

// NewStaticCatalog creates an empty catalog using the default map backend.
func NewStaticCatalog(entries ...Descriptor) *StaticCatalog {
	c := &StaticCatalog{
		byName: maps.NewConcurrentMap[string, Descriptor](),
		byGUID: maps.NewConcurrentMap[string, Descriptor](),
	}
	for _, d := range entries {
		c.Add(d)
	}
	return c
}

// Add registers d. A later entry with the same name or GUID replaces the
// earlier one.
func (c *StaticCatalog) Add(d Descriptor) {
	if d.Name != "" {
		c.byName.Store(d.Name, d)
	}
	if d.GUID != uuid.Nil {
		c.byGUID.Store(guidKey(d.GUID), d)
	}
}

// LookupByName matches name exactly; the comparison is case sensitive.
func (c *StaticCatalog) LookupByName(name string) (Descriptor, bool) {
	return c.byName.Load(name)
}

func (c *StaticCatalog) LookupByGUID(g uuid.UUID) (Descriptor, bool) {
	return c.byGUID.Load(guidKey(g))
}

// Len returns the number of distinct GUIDs in the catalog.
func (c *StaticCatalog) Len() int { return c.byGUID.Len() }

// List returns the entries sorted by name.
func (c *StaticCatalog) List() []Descriptor {
	out := make([]Descriptor, 0, c.byGUID.Len())
	c.byGUID.Range(func(_ string, d Descriptor) bool {
		out = append(out, d)
		return true
	})
	sortDescriptors(out)
	return out
}

// ChainCatalog consults each catalog in order and returns the first hit.
type ChainCatalog []Catalog

func (cc ChainCatalog) LookupByName(name string) (Descriptor, bool) {
	for _, c := range cc {
		if d, ok := c.LookupByName(name); ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

func (cc ChainCatalog) LookupByGUID(g uuid.UUID) (Descriptor, bool) {
	for _, c := range cc {
		if d, ok := c.LookupByGUID(g); ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

// List merges the entries of every catalog that implements Lister. Earlier
// catalogs win on GUID collisions.
func (cc ChainCatalog) List() []Descriptor {
	seen := make(map[uuid.UUID]struct{})
	var out []Descriptor
	for _, c := range cc {
		l, ok := c.(Lister)
		if !ok {
			continue
		}
		for _, d := range l.List() {
			if _, dup := seen[d.GUID]; dup {
				continue
			}
			seen[d.GUID] = struct{}{}
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Name != ds[j].Name {
			return ds[i].Name < ds[j].Name
		}
		return ds[i].GUID.String() < ds[j].GUID.String()
	})
}
