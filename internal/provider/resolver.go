package provider

import (
	"fmt"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/logger"
)

// Resolver maps requested provider entries to Enabled descriptors.
// It holds no state beyond the catalog it reads.
type Resolver struct {
	catalog Catalog
	log     log.Logger
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{
		catalog: catalog,
		log:     logger.NewLoggerWithContext("provider_resolver"),
	}
}

// Resolve looks up every entry and attaches the scope filters. An entry that
// parses as a GUID is looked up by GUID, anything else by exact name. The
// first entry that cannot be resolved fails the whole call and no
// descriptors are returned. Entries resolving to an already seen GUID are
// skipped.
func (r *Resolver) Resolve(entries []string, scope Scope) ([]Enabled, error) {
	if len(entries) == 0 {
		return nil, ErrNoProviders
	}
	filters, err := scope.Filters()
	if err != nil {
		return nil, err
	}

	out := make([]Enabled, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		d, err := r.lookup(entry)
		if err != nil {
			return nil, err
		}
		key := guidKey(d.GUID)
		if _, dup := seen[key]; dup {
			r.log.Debug().Str("entry", entry).Str("guid", key).Msg("Provider requested twice, keeping the first")
			continue
		}
		seen[key] = struct{}{}

		out = append(out, Enabled{
			GUID:            d.GUID,
			Name:            d.Name,
			Level:           LevelInformation,
			MatchAnyKeyword: AllKeywords,
			MatchAllKeyword: DefaultMatchAllKeyword,
			Filters:         append([]Filter(nil), filters...),
		})
	}
	return out, nil
}

func (r *Resolver) lookup(entry string) (Descriptor, error) {
	if g, ok := ParseGUID(entry); ok {
		if d, found := r.catalog.LookupByGUID(g); found {
			return d, nil
		}
		return Descriptor{}, fmt.Errorf("%w: guid %s", ErrProviderNotFound, entry)
	}
	if d, found := r.catalog.LookupByName(entry); found {
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrProviderNotFound, entry)
}
