package config

// StarterAgents returns the sub-agents written into a fresh config.yaml.
func StarterAgents() []AgentEntry {
	return []AgentEntry{
		{
			Name:         "analyst",
			Capabilities: []string{"research", "reasoning"},
			Persona:      `You are a careful analyst. Given one step of a larger plan, gather the facts it needs, separate what is known from what is assumed, and answer with a short structured summary.`,
		},
		{
			Name:         "builder",
			Capabilities: []string{"coding", "tool_use"},
			Persona:      `You are a pragmatic engineer. Given one step of a larger plan, produce the smallest concrete artifact that completes it and state any follow-up work plainly.`,
		},
		{
			Name:         "critic",
			Capabilities: []string{"reflection", "planning"},
			Persona:      `You are a reviewer. Given one step of a larger plan, check the work so far for gaps and risks and list concrete corrections.`,
		},
	}
}
