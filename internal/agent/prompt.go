package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity files read from the workspace, in prompt order.
var identityFiles = []string{
	"IDENTITY.md",
	"SOUL.md",
	"USER.md",
	"AGENTS.md",
	"TOOLS.md",
}

const identityFileCap = 16 * 1024

// BuildSystemPrompt renders the system prompt from workspace identity files,
// the active skills block, and recalled memory snippets. Missing identity
// files are skipped silently; a fresh workspace still yields a usable prompt.
func BuildSystemPrompt(workspace string, toolNames []string, skillsBlock, memoryBlock string) string {
	var b strings.Builder

	b.WriteString("You are a personal assistant running as a long-lived local agent.\n")
	b.WriteString("Be concise. Use tools when they help. Never invent tool output.\n")

	for _, name := range identityFiles {
		content := readIdentityFile(filepath.Join(workspace, name))
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", strings.TrimSuffix(name, ".md"), content)
	}

	if len(toolNames) > 0 {
		b.WriteString("\n## Available tools\n")
		b.WriteString(strings.Join(toolNames, ", "))
		b.WriteString("\n")
	}

	if skillsBlock != "" {
		b.WriteString("\n## Active skills\n")
		b.WriteString(skillsBlock)
		b.WriteString("\n")
	}

	if memoryBlock != "" {
		b.WriteString("\n## Relevant memories\n")
		b.WriteString(memoryBlock)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func readIdentityFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if len(content) > identityFileCap {
		content = content[:identityFileCap]
	}
	return content
}
