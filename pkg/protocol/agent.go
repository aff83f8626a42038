package protocol

import "slices"

// AgentSpec configures an agent that may start long-running actions.
type AgentSpec struct {
	ID             string   `json:"id"`
	Instructions   string   `json:"instructions"`
	ToolsWhitelist []string `json:"tools_whitelist,omitempty"`
	ToolsBlacklist []string `json:"tools_blacklist,omitempty"`
}

// ToolAllowed reports whether the named tool is permitted for this agent.
// A whitelist, when set, wins over the blacklist.
func (s AgentSpec) ToolAllowed(name string) bool {
	if len(s.ToolsWhitelist) > 0 {
		return slices.Contains(s.ToolsWhitelist, name)
	}
	if len(s.ToolsBlacklist) > 0 {
		return !slices.Contains(s.ToolsBlacklist, name)
	}
	return true
}
