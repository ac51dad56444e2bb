package template

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Engine substitutes {{key}} placeholders with recipient values
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// ExtractPlaceholders returns placeholder names in order of first appearance
func ExtractPlaceholders(content string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(content, -1)

	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

// Render replaces every {{key}} whose key is present in data.
// Unknown placeholders are left untouched.
func (e *Engine) Render(content string, data map[string]string) string {
	if !strings.Contains(content, "{{") {
		return content
	}

	return placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		key := match[2 : len(match)-2]
		if v, ok := data[key]; ok {
			return v
		}
		return match
	})
}

// Missing returns the placeholders of tmpl that have no value in data
func (e *Engine) Missing(tmpl *Template, data map[string]string) []string {
	var missing []string
	for _, p := range tmpl.Placeholders {
		if _, ok := data[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
