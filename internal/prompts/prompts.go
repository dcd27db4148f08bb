// Package prompts loads the system prompts that drive the planner,
// sub-planner, reconciler, and the coding agent shipped to each sandbox.
// Templates are embedded at build time and optionally overridden from a
// directory at runtime, so an operator can iterate on prompt wording
// without rebuilding the binary.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed templates/*.md
var templateFS embed.FS

// Names of the four prompts the orchestrator shell reads at startup.
const (
	Planner     = "planner"
	SubPlanner  = "sub_planner"
	Reconciler  = "reconciler"
	CodingAgent = "coding_agent"
)

// GetPrompt loads template name and substitutes each {key} placeholder with
// vars[key]. FORGELOOP_PROMPTS_DIR, if set, is checked first for a
// name+".md" override; the embedded template is the fallback.
func GetPrompt(name string, vars map[string]string) (string, error) {
	var content []byte
	var err error

	if overrideDir := os.Getenv("FORGELOOP_PROMPTS_DIR"); overrideDir != "" {
		localPath := filepath.Join(overrideDir, name+".md")
		if c, e := os.ReadFile(localPath); e == nil {
			content = c
		}
	}

	if len(content) == 0 {
		templatePath := filepath.Join("templates", name+".md")
		content, err = templateFS.ReadFile(templatePath)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt template %s: %w", name, err)
		}
	}

	prompt := string(content)
	for k, v := range vars {
		prompt = strings.ReplaceAll(prompt, fmt.Sprintf("{%s}", k), v)
	}
	return prompt, nil
}

// ListPrompts returns the names of every embedded template, sorted.
func ListPrompts() ([]string, error) {
	entries, err := fs.ReadDir(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(names)
	return names, nil
}
