package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/eql"
	"github.com/kestrelsec/kestrel/hybrid"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/schema"
)

// loadRuleFiles parses and analyzes every *.eql file in dir, one rule
// per file, the rule id taken from the filename with its extension
// stripped (e.g. suspicious_curl_pipe_bash.eql -> rule id
// "suspicious_curl_pipe_bash").
func loadRuleFiles(dir string, reg schema.Registry) ([]*ir.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rules directory %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".eql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	analyzer := eql.NewAnalyzer(reg)
	rules := make([]*ir.Rule, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading rule file %q: %w", path, err)
		}
		ruleID := strings.TrimSuffix(name, ".eql")

		q, err := eql.Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		rule, err := analyzer.Analyze(ruleID, ruleID, q)
		if err != nil {
			return nil, fmt.Errorf("analyzing %q: %w", path, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// loadSchema opens the schema file named by --schema, required by
// every subcommand that compiles rules.
func loadSchema() (schema.Registry, error) {
	if schemaPath == "" {
		return nil, fmt.Errorf("--schema is required")
	}
	return schema.LoadYAML(schemaPath)
}

// loadEngineConfig reads --config if given, else the built-in defaults.
func loadEngineConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// buildEngine loads rules into a freshly constructed engine and builds
// the AC matcher once every rule is in, the batching discipline
// hybrid.Engine.BuildACMatcher documents.
func buildEngine(cfg config.Config, rules []*ir.Rule) (*hybrid.Engine, error) {
	hcfg := hybrid.DefaultConfig()
	hcfg.StateStore = cfg.StateStoreConfig()
	hcfg.NFA = cfg.NFAConfig()
	hcfg.DFACache = cfg.DFACacheConfig()
	hcfg.HotSpotThreshold = cfg.HotSpotThreshold()
	hcfg.Weights = cfg.StrategyWeights()

	e := hybrid.New(hcfg)
	for _, rule := range rules {
		if err := e.Load(rule); err != nil {
			return nil, fmt.Errorf("loading rule %q: %w", rule.RuleID, err)
		}
	}
	if err := e.BuildACMatcher(); err != nil {
		return nil, fmt.Errorf("building AC matcher: %w", err)
	}
	return e, nil
}
