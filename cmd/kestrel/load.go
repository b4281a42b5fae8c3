package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Parse, analyze and load every rule in --rules, reporting compile errors",
	RunE:  runLoad,
}

func runLoad(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("loaded %d rule(s) from %s\n", len(rules), rulesDir)
	for _, rule := range rules {
		stats, _ := e.Stats(rule.RuleID)
		fmt.Printf("  %-40s %-12s confidence=%.2f\n", rule.RuleID, stats.Strategy, stats.Confidence)
	}
	return nil
}
