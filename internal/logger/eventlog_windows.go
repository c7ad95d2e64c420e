//go:build windows

package logger

import (
	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/config"
)

func createEventlogWriter(cfg *config.EventlogConfig) (log.Writer, error) {
	ew := &log.EventlogWriter{
		Source: cfg.Source,
		ID:     uintptr(cfg.ID),
		Host:   cfg.Host,
	}
	return withAsync(ew, cfg.Async), nil
}
