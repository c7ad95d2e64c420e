//go:build windows

package etwnative

import (
	"github.com/tekert/golang-etw/etw"

	"github.com/yew011/etwpilot-sub000/internal/provider"
)

// SystemCatalog enumerates the providers registered on this machine.
func SystemCatalog() (*provider.StaticCatalog, error) {
	enumerated := etw.EnumerateProviders()
	if len(enumerated) == 0 {
		return nil, provider.ErrNoProviders
	}
	c := provider.NewStaticCatalog()
	for key, p := range enumerated {
		// The map is keyed by name and by GUID string; keep the name keys.
		if p == nil || key != p.Name || p.Name == "" {
			continue
		}
		c.Add(provider.Descriptor{GUID: fromETW(p.GUID), Name: p.Name})
	}
	return c, nil
}
