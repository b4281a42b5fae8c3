package replay

import (
	"sort"
	"time"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
)

// PublishFunc delivers one replayed event downstream (typically
// hybrid.Engine.ProcessEvent, adapted to this signature by the caller).
type PublishFunc func(event.Event) error

// PlayerConfig controls replay pacing and error handling, mirroring
// original_source/kestrel-core/src/replay.rs's ReplayConfig.
type PlayerConfig struct {
	// LiveSpeed replays events spaced out by their recorded
	// TSMonoNS deltas (scaled by SpeedMultiplier) instead of
	// publishing as fast as possible.
	LiveSpeed bool
	// SpeedMultiplier scales the inter-event delay under LiveSpeed; 2.0
	// replays twice as fast as originally recorded, 0.5 half as fast.
	SpeedMultiplier float64
	// StopOnError aborts the run on the first publish error instead of
	// collecting it and continuing.
	StopOnError bool
}

// DefaultPlayerConfig replays as fast as possible and does not stop on
// a single publish error, matching the original's non-live default.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{LiveSpeed: false, SpeedMultiplier: 1.0, StopOnError: false}
}

// Result summarizes one Play call.
type Result struct {
	Published int
	Errors    []error
}

// Player replays a fixed slice of events in canonical order.
type Player struct {
	clock Clock
	cfg   PlayerConfig
}

// NewPlayer builds a Player. clock is injected so tests can drive
// live-speed pacing deterministically via MockClock.
func NewPlayer(clock Clock, cfg PlayerConfig) *Player {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	return &Player{clock: clock, cfg: cfg}
}

// Sorted returns a copy of events ordered by (TSMonoNS, EventID), the
// canonical replay order spec §4.8 and §12 require so that two
// differently-ordered captures of the same events replay identically.
func Sorted(events []event.Event) []event.Event {
	out := make([]event.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return event.Less(out[i], out[j]) })
	return out
}

// Play publishes events in canonical order via publish, pacing by
// recorded timestamps when LiveSpeed is set. A publish error is
// recorded in Result.Errors; StopOnError turns the first one into a
// returned error that aborts the run.
func (p *Player) Play(events []event.Event, publish PublishFunc) (Result, error) {
	ordered := Sorted(events)
	var res Result

	var lastTS uint64
	haveLast := false
	for _, ev := range ordered {
		if p.cfg.LiveSpeed && haveLast && ev.TSMonoNS > lastTS {
			delta := time.Duration(float64(ev.TSMonoNS-lastTS) / p.cfg.SpeedMultiplier)
			p.clock.Sleep(delta)
		}
		lastTS = ev.TSMonoNS
		haveLast = true

		if err := publish(ev); err != nil {
			wrapped := kerrors.Wrap(kerrors.PublishError, err, "publish event %d", ev.EventID)
			res.Errors = append(res.Errors, wrapped)
			if p.cfg.StopOnError {
				return res, wrapped
			}
			continue
		}
		res.Published++
	}
	return res, nil
}
