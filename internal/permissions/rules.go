package permissions

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kandev/relay/internal/common/config"
)

// Rule matches operations either by substring containment or, when Regex
// is set, by a compiled regular expression.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Regex   bool   `yaml:"regex"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if !r.Regex {
		return nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("invalid permission rule pattern %q: %w", r.Pattern, err)
	}
	r.re = re
	return nil
}

// Matches reports whether the operation matches this rule.
func (r *Rule) Matches(operation string) bool {
	if r.re != nil {
		return r.re.MatchString(operation)
	}
	return strings.Contains(operation, r.Pattern)
}

// RuleSet holds the compiled auto-approve and auto-deny rules.
type RuleSet struct {
	Approve []Rule
	Deny    []Rule
}

// rulesFile is the on-disk YAML shape for additional rules. Config-sourced
// patterns are plain substrings; the file additionally supports regex rules.
type rulesFile struct {
	AutoApprove []Rule `yaml:"autoApprove"`
	AutoDeny    []Rule `yaml:"autoDeny"`
}

// LoadRuleSet builds the rule set from config patterns plus the optional
// YAML rules file at cfg.RulesPath.
func LoadRuleSet(cfg config.PermissionsConfig) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, p := range cfg.AutoApprove {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rs.Approve = append(rs.Approve, Rule{Pattern: p})
	}
	for _, p := range cfg.AutoDeny {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rs.Deny = append(rs.Deny, Rule{Pattern: p})
	}

	if cfg.RulesPath != "" {
		raw, err := os.ReadFile(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read permission rules file: %w", err)
		}
		var file rulesFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("failed to parse permission rules file: %w", err)
		}
		rs.Approve = append(rs.Approve, nonEmpty(file.AutoApprove)...)
		rs.Deny = append(rs.Deny, nonEmpty(file.AutoDeny)...)
	}

	for i := range rs.Approve {
		if err := rs.Approve[i].compile(); err != nil {
			return nil, err
		}
	}
	for i := range rs.Deny {
		if err := rs.Deny[i].compile(); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// MatchesApprove reports whether any auto-approve rule matches.
func (rs *RuleSet) MatchesApprove(operation string) bool {
	return matchAny(rs.Approve, operation)
}

// MatchesDeny reports whether any auto-deny rule matches.
func (rs *RuleSet) MatchesDeny(operation string) bool {
	return matchAny(rs.Deny, operation)
}

func matchAny(rules []Rule, operation string) bool {
	for i := range rules {
		if rules[i].Matches(operation) {
			return true
		}
	}
	return false
}

// nonEmpty drops rules with blank patterns so they cannot match everything.
func nonEmpty(rules []Rule) []Rule {
	kept := rules[:0]
	for _, r := range rules {
		if strings.TrimSpace(r.Pattern) != "" {
			kept = append(kept, r)
		}
	}
	return kept
}
