//go:build !windows

package logger

import (
	"errors"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/config"
)

var errEventlogUnsupported = errors.New("eventlog output is only available on windows")

func createEventlogWriter(*config.EventlogConfig) (log.Writer, error) {
	return nil, errEventlogUnsupported
}
