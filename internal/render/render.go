// Package render expands a template string against note field data.
// Rendering is a pure function: the store persists only a hash of the
// result for template-derived content, so the same inputs must always
// produce the same output.
package render

import (
	"regexp"
	"strings"
)

// FrontSide is the reserved placeholder under which an already-rendered
// front is exposed to back templates. The reference is one-way: a front
// never sees its back.
const FrontSide = "FrontSide"

var placeholder = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Render substitutes {{field}} placeholders in tmpl with values from data.
// frontText, when non-empty, is available as {{FrontSide}}. Unresolvable
// placeholders render as empty; Render never fails.
func Render(tmpl string, data map[string]string, frontText string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-2])

		// Anki-style filter prefixes such as {{cloze:Text}} or {{type:Field}}
		// resolve against the bare field name.
		if i := strings.LastIndex(name, ":"); i >= 0 {
			name = strings.TrimSpace(name[i+1:])
		}

		if name == FrontSide {
			return frontText
		}
		if v, ok := data[name]; ok {
			return v
		}
		return ""
	})
}
