package main

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/replay"
)

var (
	replayLogPath string
	replayLive    bool
	replaySpeed   float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a captured binary event log through --rules and print alerts",
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayLogPath, "log", "", "path to a binary event log written by the engine's own log writer (required)")
	replayCmd.Flags().BoolVar(&replayLive, "live", false, "pace replay by the log's recorded timestamps instead of running flat out")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "speed multiplier for --live (0 keeps the config/default value)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	reg, err := loadSchema()
	if err != nil {
		return err
	}
	rules, err := loadRuleFiles(rulesDir, reg)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	e, err := buildEngine(cfg, rules)
	if err != nil {
		return err
	}
	e.SetLogger(logger)

	if replayLogPath == "" {
		return fmt.Errorf("--log is required")
	}
	f, err := os.Open(replayLogPath)
	if err != nil {
		return fmt.Errorf("opening event log %q: %w", replayLogPath, err)
	}
	defer f.Close()

	header, events, err := replay.ReadLog(f)
	if err != nil {
		return fmt.Errorf("reading event log: %w", err)
	}
	logger.Info().Str("build_id", header.EngineBuildID).Uint64("events", header.EventCount).Msg("loaded replay log")

	playCfg := cfg.ReplayConfig()
	if replayLive {
		playCfg.LiveSpeed = true
	}
	if replaySpeed > 0 {
		playCfg.SpeedMultiplier = replaySpeed
	}

	scheduler := cron.New()
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		promoted := e.Tick(uint64(time.Now().UnixNano()))
		for _, ruleID := range promoted {
			logger.Info().Str("rule_id", ruleID).Msg("tick promoted hot sequence")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	player := replay.NewPlayer(replay.SystemClock{}, playCfg)
	alertCount := 0
	_, err = player.Play(events, func(ev event.Event) error {
		alerts, err := e.ProcessEvent(ev)
		if err != nil {
			return err
		}
		for _, a := range alerts.SingleEvent {
			alertCount++
			fmt.Printf("[single] rule=%s action=%s event_id=%d\n", a.RuleID, a.Action, ev.EventID)
		}
		for _, a := range alerts.Sequence {
			alertCount++
			fmt.Printf("[sequence] rule=%s entity=%s action=%s matched_at_ns=%d\n", a.RuleID, a.EntityKey, a.Action, a.MatchedAtNS)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	e.Tick(uint64(time.Now().UnixNano()))
	fmt.Printf("replayed %d event(s), %d alert(s)\n", len(events), alertCount)
	return nil
}
