package main

import (
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/config"
	"github.com/yew011/etwpilot-sub000/internal/manager"
	"github.com/yew011/etwpilot-sub000/internal/native"
	"github.com/yew011/etwpilot-sub000/internal/native/etwnative"
	"github.com/yew011/etwpilot-sub000/internal/native/recfile"
	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/windowsapi"
)

// configCatalog builds the static catalog from the [catalog] section.
func configCatalog(cfg *config.AppConfig) (*provider.StaticCatalog, error) {
	c := provider.NewStaticCatalog()
	for _, e := range cfg.Catalog.Providers {
		g, ok := provider.ParseGUID(strings.TrimSpace(e.GUID))
		if !ok {
			return nil, fmt.Errorf("catalog entry %q: invalid guid %q", e.Name, e.GUID)
		}
		c.Add(provider.Descriptor{GUID: g, Name: e.Name})
	}
	return c, nil
}

// buildCatalog chains the configured providers, the providers recorded in
// a replayed capture, the system catalog and the built-in providers, in
// that order of precedence.
func buildCatalog(cfg *config.AppConfig, replay string) (provider.ChainCatalog, error) {
	static, err := configCatalog(cfg)
	if err != nil {
		return nil, err
	}
	chain := provider.ChainCatalog{static}

	if replay != "" {
		recorded, err := recfile.Catalog(replay)
		if err != nil {
			return nil, err
		}
		chain = append(chain, recorded)
	}

	if cfg.Catalog.UseSystem && replay == "" {
		system, err := etwnative.SystemCatalog()
		if err != nil {
			log.Warn().Err(err).Msg("System provider catalog unavailable, using configured and built-in providers")
		} else {
			log.Debug().Int("providers", system.Len()).Msg("System provider catalog loaded")
			chain = append(chain, system)
		}
	}

	return append(chain, provider.NewWellKnownCatalog()), nil
}

// buildFacility returns the live facility, or a replay of a capture file.
func buildFacility(replay string, paced bool) native.Facility {
	if replay != "" {
		var opts []recfile.ReplayOption
		if paced {
			opts = append(opts, recfile.WithPacing())
		}
		return recfile.NewReplay(replay, opts...)
	}
	names := windowsapi.NewProcessNames(windowsapi.SnapshotProcesses)
	return etwnative.NewFacility(etwnative.Options{ProcessName: names.Lookup})
}

func newManager(cfg *config.AppConfig, facility native.Facility, catalog provider.Catalog) (*manager.Manager, error) {
	return manager.New(facility, catalog, manager.Options{
		MapImpl:          cfg.Registry.MapImpl,
		NamePrefix:       cfg.Session.NamePrefix,
		IdleGrace:        cfg.Session.IdleGrace.Duration,
		ProgressInterval: cfg.Session.ProgressInterval.Duration,
		ProgressBuffer:   cfg.Session.ProgressBuffer,
		CaptureDir:       cfg.Session.CaptureDir,
	})
}
