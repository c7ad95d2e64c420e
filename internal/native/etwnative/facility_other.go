//go:build !windows

package etwnative

import (
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/provider"
)

// NewFacility returns native.Unsupported off Windows.
func NewFacility(Options) native.Facility {
	return native.Unsupported{}
}

// SystemCatalog is not available off Windows.
func SystemCatalog() (*provider.StaticCatalog, error) {
	return nil, native.ErrUnsupported
}
