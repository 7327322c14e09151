package templates

import (
	"fmt"
	"strings"
	"text/template"
)

// ValidationIssue captures a single validation failure with a stable code.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates prompt validation failures.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "prompt validation failed"
	}
	if len(e.Issues) == 1 {
		return e.Issues[0].Message
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Issues), strings.Join(msgs, "; "))
}

// HasIssues reports whether any validation problems were captured.
func (e *ValidationError) HasIssues() bool {
	return e != nil && len(e.Issues) > 0
}

// ValidatePromptSet checks that every step has both prompts and that each
// parses as a text/template.
func ValidatePromptSet(ps *PromptSet) error {
	if ps == nil {
		return &ValidationError{Issues: []ValidationIssue{{Code: "prompts_nil", Message: "prompt set is nil"}}}
	}
	var issues []ValidationIssue
	for _, step := range Steps {
		p, _ := ps.Prompt(step)
		for _, part := range []struct {
			name string
			text string
		}{{"system", p.System}, {"user", p.User}} {
			if strings.TrimSpace(part.text) == "" {
				issues = append(issues, ValidationIssue{
					Code:    "prompt_missing",
					Message: fmt.Sprintf("%s.%s prompt is empty", step, part.name),
				})
				continue
			}
			if _, err := template.New(string(step)).Funcs(funcMap).Parse(part.text); err != nil {
				issues = append(issues, ValidationIssue{
					Code:    "prompt_parse",
					Message: fmt.Sprintf("%s.%s prompt does not parse: %v", step, part.name, err),
				})
			}
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
