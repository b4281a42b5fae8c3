package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/metrics"
	"github.com/kestrelsec/kestrel/replay"
)

var (
	verifyLogPath string
	verifyRuns    int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay --log through a fresh engine --runs times and confirm every run agrees",
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyLogPath, "log", "", "path to a binary event log (required)")
	verifyCmd.Flags().IntVar(&verifyRuns, "runs", 3, "number of independent replay runs to compare")
}

// alertRecord is the canonical, JSON-serializable shape one alert is
// reduced to for the determinism fingerprint — only the fields that
// must be stable across independent runs of the same event set.
type alertRecord struct {
	Kind        string `json:"kind"`
	RuleID      string `json:"rule_id"`
	EntityKey   string `json:"entity_key,omitempty"`
	Action      string `json:"action"`
	MatchedAtNS uint64 `json:"matched_at_ns,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	if verifyLogPath == "" {
		return fmt.Errorf("--log is required")
	}
	f, err := os.Open(verifyLogPath)
	if err != nil {
		return fmt.Errorf("opening event log %q: %w", verifyLogPath, err)
	}
	defer f.Close()
	_, events, err := replay.ReadLog(f)
	if err != nil {
		return fmt.Errorf("reading event log: %w", err)
	}

	runFn := func(evs []event.Event) ([]byte, error) {
		return runOnceForVerify(cfg, rules, evs)
	}

	result, err := replay.VerifyDeterministic(events, verifyRuns, runFn)
	if err != nil {
		if kind, ok := kerrors.KindOf(err); ok && kind == kerrors.VerificationMismatch {
			metrics.ReplayMismatches.WithLabelValues("all").Inc()
		}
		return fmt.Errorf("determinism check failed: %w", err)
	}
	fmt.Printf("%d replay runs agree, checksum=%s\n", verifyRuns, result.Checksum)
	return nil
}

// runOnceForVerify plays events through a freshly constructed engine —
// VerifyDeterministic's contract requires no state carried between
// calls — and returns the resulting alerts in the canonical JSON shape
// used as the run's fingerprint input.
func runOnceForVerify(cfg config.Config, rules []*ir.Rule, events []event.Event) ([]byte, error) {
	e, err := buildEngine(cfg, rules)
	if err != nil {
		return nil, err
	}

	var records []alertRecord
	player := replay.NewPlayer(replay.SystemClock{}, replay.PlayerConfig{})
	_, err = player.Play(events, func(ev event.Event) error {
		alerts, err := e.ProcessEvent(ev)
		if err != nil {
			return err
		}
		for _, a := range alerts.SingleEvent {
			records = append(records, alertRecord{Kind: "single", RuleID: a.RuleID, Action: a.Action.String()})
		}
		for _, a := range alerts.Sequence {
			records = append(records, alertRecord{
				Kind:        "sequence",
				RuleID:      a.RuleID,
				EntityKey:   a.EntityKey.String(),
				Action:      a.Action.String(),
				MatchedAtNS: a.MatchedAtNS,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(records)
}
