package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/leaktk/nps/pkg/kind"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/response"
)

type (
	// Rule is a single pattern addressed to a plugin
	Rule struct {
		ID        string `json:"id"`
		Regex     string `json:"regex"`
		FancyName string `json:"fancyName"`
		// RestrictExtensions limits the rule to files with these extensions
		RestrictExtensions []string `json:"restrictExtensions,omitempty"`
		// ExcludeFilepaths are regexes matched against the directory of a file
		ExcludeFilepaths []string `json:"excludeFilepaths,omitempty"`
	}

	// RuleSet is one rule set document
	RuleSet struct {
		Updated   int64  `json:"updated"`
		ForPlugin string `json:"for_plugin"`
		Rules     []Rule `json:"rules"`
	}

	// RuleSets maps normalized plugin names to the rule sets addressed to them
	RuleSets map[string][]*RuleSet
)

// For returns every rule addressed to plugin, in load order
func (r RuleSets) For(plugin string) []Rule {
	var rules []Rule
	for _, ruleSet := range r[kind.NormalizeKind(plugin)] {
		rules = append(rules, ruleSet.Rules...)
	}

	return rules
}

// Add appends a rule set under its target plugin
func (r RuleSets) Add(ruleSet *RuleSet) {
	key := kind.NormalizeKind(ruleSet.ForPlugin)
	r[key] = append(r[key], ruleSet)
}

// ParseRuleSet decodes a rule set document
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var ruleSet RuleSet
	if err := json.Unmarshal(data, &ruleSet); err != nil {
		return nil, response.Errorf(response.RuleParseError, "invalid rule set document: %w", err)
	}

	if len(ruleSet.ForPlugin) == 0 {
		return nil, response.Errorf(response.RuleParseError, "rule set document is missing for_plugin")
	}

	return &ruleSet, nil
}

// LoadRuleSets reads every document in dir. Documents that fail to parse
// are skipped with a warning. A missing directory yields no rule sets.
func LoadRuleSets(dir string) (RuleSets, error) {
	ruleSets := RuleSets{}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Warning("rule set directory does not exist: path=%q", dir)
		return ruleSets, nil
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warning("could not read rule set: path=%q error=%q", path, err)
			continue
		}

		ruleSet, err := ParseRuleSet(data)
		if err != nil {
			logger.Warning("skipping rule set: path=%q error=%q", path, err)
			continue
		}

		logger.Debug("loaded rule set: path=%q plugin=%q rules=%d", path, ruleSet.ForPlugin, len(ruleSet.Rules))
		ruleSets.Add(ruleSet)
	}

	return ruleSets, nil
}
