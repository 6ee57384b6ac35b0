package command

import (
	"fmt"
	"regexp"
)

// PluginRule describes one check plugin this node is permitted to run:
// the fixed executable path, and a pattern each positional argument
// must match. Unlike a fixed op (a snapshot name, a pool name), check
// plugin arguments are free-form ($HOSTADDRESS$, thresholds, service
// names), so every rule here is pattern-only — there is no exact-args
// mode.
type PluginRule struct {
	Path        string
	ArgPatterns []*regexp.Regexp
}

// Whitelist restricts ExecRunner to a configured set of check plugins,
// the same shape as a monitoring host's check_command definitions. Its
// validation logic is lifted from the command whitelist used to gate
// privileged NAS shell-outs (exact-name lookup, then positional
// ArgPatterns match) and narrowed to the pattern-only branch, since
// every check command here is pattern-validated rather than fixed-args.
type Whitelist struct {
	rules map[string]PluginRule
}

// NewWhitelist builds a Whitelist from a name->rule map, typically
// populated from the checkable config's check_command entries during
// startup.
func NewWhitelist(rules map[string]PluginRule) *Whitelist {
	if rules == nil {
		rules = map[string]PluginRule{}
	}
	return &Whitelist{rules: rules}
}

// Allow registers or replaces the rule for name.
func (w *Whitelist) Allow(name string, rule PluginRule) {
	w.rules[name] = rule
}

// Validate reports whether name may run with args. A command not in
// the whitelist, a path mismatch, a wrong argument count, or an
// argument failing its pattern is rejected; nothing runs by default.
func (w *Whitelist) Validate(name, path string, args []string) error {
	rule, ok := w.rules[name]
	if !ok {
		return fmt.Errorf("command: %q is not a whitelisted check plugin", name)
	}
	if rule.Path != "" && rule.Path != path {
		return fmt.Errorf("command: %q resolved to %q, expected %q", name, path, rule.Path)
	}
	if len(rule.ArgPatterns) == 0 {
		return nil
	}
	if len(args) != len(rule.ArgPatterns) {
		return fmt.Errorf("command: %q expects %d arguments, got %d", name, len(rule.ArgPatterns), len(args))
	}
	for i, pattern := range rule.ArgPatterns {
		if !pattern.MatchString(args[i]) {
			return fmt.Errorf("command: %q argument %d (%q) does not match the allowed pattern", name, i, args[i])
		}
	}
	return nil
}

// SanitizeOutput masks credential-shaped substrings (password=, token=,
// key=) in plugin output before it is logged, relayed to peers, or
// published to the dashboard feed. Plugin output is attacker-adjacent
// text (it comes from whatever the monitored service prints) and has
// no business carrying a cluster peer's or a monitored service's
// secrets any further than this node.
func SanitizeOutput(output string) string {
	output = credPattern("password").ReplaceAllString(output, "password=***")
	output = credPattern("token").ReplaceAllString(output, "token=***")
	output = credPattern("key").ReplaceAllString(output, "key=***")
	return output
}

func credPattern(field string) *regexp.Regexp {
	return regexp.MustCompile(field + `=[^\s]+`)
}
