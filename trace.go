package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/yew011/etwpilot-sub000/internal/config"
	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/export"
	"github.com/yew011/etwpilot-sub000/internal/manager"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

type traceOptions struct {
	providers []string
	seconds   int
	mb        int
	pids      []uint
	exes      []string
	eventIDs  []uint
	limit     int
	format    string
	output    string
	replay    string
	paced     bool
	capture   string
	store     bool
	label     string
}

func (o *traceOptions) parameters() (session.Parameters, error) {
	p := session.Parameters{
		Providers:          o.providers,
		StopOnBytesMB:      o.mb,
		StopOnSeconds:      o.seconds,
		TargetProcessNames: o.exes,
	}
	for _, pid := range o.pids {
		if uint64(pid) > uint64(^uint32(0)) {
			return p, fmt.Errorf("%w: process id %d out of range", session.ErrInvalidParameters, pid)
		}
		p.TargetProcessIDs = append(p.TargetProcessIDs, uint32(pid))
	}
	for _, id := range o.eventIDs {
		if id > uint(^uint16(0)) {
			return p, fmt.Errorf("%w: event id %d out of range", session.ErrInvalidParameters, id)
		}
		p.EventIDs = append(p.EventIDs, uint16(id))
	}
	return p, p.Validate()
}

func newTraceCmd(st *cliState) *cobra.Command {
	o := &traceOptions{}
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Run one trace session and print its events",
		Long: `Run one real-time trace session against the given providers until a stop
threshold is reached, the stream ends or the command is interrupted, then write
the decoded events to stdout or a file.`,
		Example: `  etwpilot trace -p Microsoft-Windows-Kernel-Process --seconds 10
  etwpilot trace -p Microsoft-Windows-DNS-Client --mb 5 --exe chrome.exe --format yaml
  etwpilot trace -p Microsoft-Windows-Kernel-Process --seconds 60 --replay boot.etwrec`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.format == "" {
				o.format = st.cfg.Export.Format
			}
			return runTrace(cmd.Context(), st, o, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&o.providers, "provider", "p", nil, "Provider name or GUID (repeatable)")
	f.IntVar(&o.seconds, "seconds", 0, "Stop after this many seconds")
	f.IntVar(&o.mb, "mb", 0, "Stop after this many megabytes of buffers")
	f.UintSliceVar(&o.pids, "pid", nil, "Only events of these process ids")
	f.StringSliceVar(&o.exes, "exe", nil, "Only events of these executable names")
	f.UintSliceVar(&o.eventIDs, "event-id", nil, "Only these event ids")
	f.IntVarP(&o.limit, "limit", "n", 0, "Write at most this many events (0 for all)")
	f.StringVarP(&o.format, "format", "f", "", "Output format: jsonl or yaml (default from config)")
	f.StringVarP(&o.output, "output", "o", "", "Write events to this file instead of stdout")
	f.StringVar(&o.replay, "replay", "", "Replay a capture file instead of tracing live")
	f.BoolVar(&o.paced, "paced", false, "Replay at the captured speed")
	f.StringVar(&o.capture, "capture", "", "Also write a capture file to this path")
	f.BoolVar(&o.store, "store", false, "Save the session in the export database")
	f.StringVar(&o.label, "label", "trace", "Session label used in the registry and the store")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func runTrace(ctx context.Context, st *cliState, o *traceOptions, stdout io.Writer) error {
	params, err := o.parameters()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := buildCatalog(st.cfg, o.replay)
	if err != nil {
		return err
	}
	facility := buildFacility(o.replay, o.paced)

	m, err := newManager(st.cfg, facility, catalog)
	if err != nil {
		return err
	}
	defer m.Close(context.Background())

	var opts []manager.StartOption
	if o.capture != "" {
		opts = append(opts, manager.WithCaptureFile(o.capture))
	}
	res, err := traceLive(ctx, m, o, params, opts...)
	if err != nil && res.stats.State != session.Faulted {
		return err
	}

	log.Info().
		Str("session", res.stats.Name).
		Str("state", res.stats.State.String()).
		Str("reason", res.stats.Reason.String()).
		Uint64("events", res.stats.Events).
		Uint64("bytes", res.stats.Bytes).
		Uint64("dropped", res.stats.Dropped).
		Dur("elapsed", res.stats.Elapsed).
		Msg("Trace session finished")

	if o.store {
		if serr := storeResult(ctx, st.cfg, o.label, params, res, err); serr != nil {
			return serr
		}
	}

	events := res.events
	if o.limit > 0 && len(events) > o.limit {
		events = events[:o.limit]
	}
	out := stdout
	if o.output != "" {
		file, ferr := os.Create(o.output)
		if ferr != nil {
			return fmt.Errorf("failed to create output file: %w", ferr)
		}
		defer file.Close()
		out = file
	}
	if werr := export.Write(out, o.format, events); werr != nil {
		return werr
	}
	return err
}

type traceResult struct {
	events []*event.Event
	stats  session.Stats
}

// traceLive runs the session through the manager and logs its progress.
func traceLive(ctx context.Context, m *manager.Manager, o *traceOptions, params session.Parameters,
	opts ...manager.StartOption) (traceResult, error) {
	ent, err := m.StartLive(ctx, o.label, params, opts...)
	if err != nil {
		return traceResult{}, err
	}
	go logProgress(ent.Progress.C(), ent.Engine.Done())

	err = ent.Engine.Wait(context.Background())
	return traceResult{events: ent.Engine.Sink().Snapshot(), stats: ent.Engine.Stats()}, err
}

func logProgress(progress <-chan session.Progress, done <-chan struct{}) {
	last := time.Now()
	for {
		select {
		case p := <-progress:
			if time.Since(last) < time.Second && !p.State.Terminal() {
				continue
			}
			last = time.Now()
			log.Info().
				Str("session", p.Name).
				Str("state", p.State.String()).
				Uint64("events", p.Events).
				Uint64("bytes", p.Bytes).
				Dur("elapsed", p.Elapsed).
				Msg("Trace progress")
		case <-done:
			return
		}
	}
}

func storeResult(ctx context.Context, cfg *config.AppConfig, label string, params session.Parameters, res traceResult, runErr error) error {
	if cfg.Export.Database == "" {
		return fmt.Errorf("--store needs export.database in the configuration")
	}
	store, err := export.Open(cfg.Export.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.SaveSession(context.WithoutCancel(ctx), export.NewSessionRecord(label, params, res.stats, runErr), res.events)
	if err != nil {
		return err
	}
	log.Info().Int64("id", id).Str("database", cfg.Export.Database).Msg("Session stored")
	return nil
}
