package gwmodel

import (
	"fmt"
	"regexp"
	"strings"
)

// PromptTemplate is a model's declared prompt pair: an optional system
// message and an optional human template, both rendered by substituting
// {{var}} tokens from a request's variables mapping.
type PromptTemplate struct {
	System string
	Human  string
}

var promptVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// renderPrompt substitutes vars into tmpl. A template token with no matching
// variable fails the render.
func renderPrompt(tmpl string, vars map[string]string) (string, error) {
	var missing string
	out := promptVarPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := promptVarPattern.FindStringSubmatch(token)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return token
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("prompt template references unknown variable %q", missing)
	}
	return out, nil
}

// Compose merges the template with a request's transcript: the rendered
// system message (if any) is prepended ahead of any existing system
// messages, and the rendered human template (if any) is appended as a
// trailing user message. An unknown variable in either wired template
// fails the whole request.
func (p *PromptTemplate) Compose(history []Message, vars map[string]string) ([]Message, error) {
	if p == nil || (p.System == "" && p.Human == "") {
		return history, nil
	}

	out := make([]Message, 0, len(history)+2)
	if p.System != "" {
		system, err := renderPrompt(p.System, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	out = append(out, history...)
	if strings.TrimSpace(p.Human) != "" {
		human, err := renderPrompt(p.Human, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Role: RoleUser, Content: human})
	}
	return out, nil
}
