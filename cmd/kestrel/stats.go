package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Load --rules and print each rule's backend assignment as JSON",
	RunE:  runStats,
}

type ruleStatsJSON struct {
	RuleID     string  `json:"rule_id"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	DFABacked  bool    `json:"dfa_backed"`
}

func runStats(cmd *cobra.Command, args []string) error {
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

	out := make([]ruleStatsJSON, 0, len(rules))
	for _, rule := range rules {
		s, ok := e.Stats(rule.RuleID)
		if !ok {
			continue
		}
		out = append(out, ruleStatsJSON{
			RuleID:     rule.RuleID,
			Strategy:   s.Strategy.String(),
			Confidence: s.Confidence,
			DFABacked:  s.DFABacked,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	return nil
}
