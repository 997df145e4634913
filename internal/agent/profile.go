package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// profileFiles are read in order and appended to an agent's system prompt.
var profileFiles = []string{"SOUL.md", "AGENT.md", "GOALS.md"}

// LoadProfile reads the profile files under dir/agentID and returns their
// concatenated content. Missing files are skipped.
func LoadProfile(dir, agentID string) string {
	if dir == "" {
		return ""
	}
	base := filepath.Join(dir, agentID)
	var parts []string
	for _, f := range profileFiles {
		data, err := os.ReadFile(filepath.Join(base, f))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}
