package toolexecutor

import "github.com/bmatcuk/doublestar/v4"

// ToolPolicy restricts which catalog tools the agent may use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // globs with {a,b} alternation, empty allows all
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides allow
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	// Deny list first
	for _, denied := range tp.Deny {
		if matchPattern(denied, toolName) {
			return false
		}
	}

	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if matchPattern(allowed, toolName) {
			return true
		}
	}

	return false
}

// Filter returns the allowed names in input order
func (tp *ToolPolicy) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if tp.IsToolAllowed(name) {
			out = append(out, name)
		}
	}
	return out
}

func matchPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	return doublestar.MatchUnvalidated(pattern, name)
}
