// Package permission answers tool permission requests from configured
// rules, so routine tools can be approved or rejected without a prompt.
package permission

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// Action is what to do with a matching request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// ParseAction parses a configured action (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAllow, ActionDeny, ActionAsk:
		return a, nil
	}
	return "", fmt.Errorf("invalid permission action %q (want allow, deny or ask)", s)
}

// Rules maps tool-name patterns to actions. Patterns use doublestar syntax,
// e.g. "bash", "read_*" or "*".
type Rules map[string]Action

// FromConfig builds Rules from the string map of the configuration.
func FromConfig(m map[string]string) (Rules, error) {
	rules := make(Rules, len(m))
	for pattern, s := range m {
		action, err := ParseAction(s)
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", pattern, err)
		}
		if err := rules.Set(pattern, action); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// Set adds or replaces the rule for pattern.
func (r Rules) Set(pattern string, action Action) error {
	if pattern == "" || !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid tool pattern %q", pattern)
	}
	r[pattern] = action
	return nil
}

// Match finds the action for a tool. An exact name wins, then the longest
// matching pattern, then the global "*"; anything else asks.
func (r Rules) Match(toolName string) Action {
	if action, ok := r[toolName]; ok {
		return action
	}

	var matches []string
	for pattern := range r {
		if pattern == "*" {
			continue
		}
		if ok, _ := doublestar.Match(pattern, toolName); ok {
			matches = append(matches, pattern)
		}
	}
	if len(matches) > 0 {
		sort.Slice(matches, func(i, j int) bool {
			if len(matches[i]) != len(matches[j]) {
				return len(matches[i]) > len(matches[j])
			}
			return matches[i] < matches[j]
		})
		return r[matches[0]]
	}

	if action, ok := r["*"]; ok {
		return action
	}
	return ActionAsk
}

// Decision is an automatic answer to a request.
type Decision struct {
	OptionID  string
	Cancelled bool
}

// Decide answers req when a rule covers its tool. Requests without a tool
// name are always left to the user.
func (r Rules) Decide(req protocol.PermissionRequestData) (Decision, bool) {
	if req.ToolName == "" {
		return Decision{}, false
	}
	switch r.Match(req.ToolName) {
	case ActionAllow:
		return Decision{OptionID: pickOption(req.Options, "allow_once", "allow_always", "allow")}, true
	case ActionDeny:
		if id := pickOption(req.Options, "reject_once", "reject_always", "deny"); id != "" {
			return Decision{OptionID: id}, true
		}
		return Decision{Cancelled: true}, true
	}
	return Decision{}, false
}

// pickOption returns the first option whose kind matches, in order of
// preference, falling back to an option id equal to the last preference.
func pickOption(options []protocol.PermissionOption, kinds ...string) string {
	for _, kind := range kinds {
		for _, opt := range options {
			if opt.Kind == kind {
				return opt.OptionID
			}
		}
	}
	fallback := kinds[len(kinds)-1]
	for _, opt := range options {
		if opt.OptionID == fallback {
			return opt.OptionID
		}
	}
	return ""
}
