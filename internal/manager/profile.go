package manager

import (
	"context"
	"time"

	"github.com/yew011/etwpilot-sub000/internal/config"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

// RestartDelay is the pause between two runs of a restarting profile.
var RestartDelay = time.Second

// ProfileParameters converts a configured profile to session parameters.
func ProfileParameters(p config.ProfileConfig) session.Parameters {
	return session.Parameters{
		Providers:          p.Providers,
		StopOnBytesMB:      p.StopOnBytesMB,
		StopOnSeconds:      p.StopOnSeconds,
		TargetProcessIDs:   p.TargetProcessIDs,
		TargetProcessNames: p.TargetProcessNames,
		EventIDs:           p.EventIDs,
	}
}

// RunProfile captures p until ctx is done, once or, with p.Restart, over
// and over. done is called with every finished run. The previous run of a
// restarting profile is dropped from the registry when the next one
// starts, so the registry holds one entry per profile.
//
// A run that fails to start ends RunProfile with that error; a run that
// faults is passed to done and, with p.Restart, started again.
func (m *Manager) RunProfile(ctx context.Context, p config.ProfileConfig, done func(Result, error)) error {
	params := ProfileParameters(p)
	var prev uint64
	for {
		res, err := m.Capture(ctx, p.Name, params)
		if res.Entry == nil {
			return err
		}
		if prev != 0 {
			_ = m.Remove(prev)
		}
		prev = res.Entry.ID
		if done != nil {
			done(res, err)
		}
		if !p.Restart || ctx.Err() != nil {
			return nil
		}

		m.log.Debug().Str("profile", p.Name).Dur("delay", RestartDelay).Msg("Restarting session profile")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(RestartDelay):
		}
	}
}
