// Package extract turns a chat message element into named field values and
// renders them through a text template.
package extract

import (
	"regexp"
	"strings"

	"github.com/loqalabs/chatreader/internal/dom"
)

// Field declares how to read one named value out of a message element.
type Field struct {
	Name string `json:"name"`
	// Selector is resolved relative to the message element. Empty means no
	// lookup: the field always resolves to DefaultValue.
	Selector string `json:"selector,omitempty"`
	// Attribute, when set, is read instead of the text content.
	Attribute    string  `json:"attribute,omitempty"`
	DefaultValue *string `json:"defaultValue,omitempty"`
}

// Default is a convenience for building Field.DefaultValue.
func Default(v string) *string { return &v }

// FieldValues extracts every field from el. Each field name is present in the
// result, possibly with an empty value.
func FieldValues(el dom.Element, fields []Field) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		value, ok := read(el, f)
		if !ok && f.DefaultValue != nil {
			value = *f.DefaultValue
		}
		out[f.Name] = NormalizeWhitespace(value)
	}
	return out
}

func read(el dom.Element, f Field) (string, bool) {
	if f.Selector == "" || el == nil {
		return "", false
	}
	target := el.QuerySelector(f.Selector)
	if target == nil {
		return "", false
	}
	if f.Attribute != "" {
		return target.GetAttribute(f.Attribute)
	}
	text := target.TextContent()
	if text == "" {
		return "", false
	}
	return strings.TrimSpace(text), true
}

var placeholder = regexp.MustCompile(`%\((\w+)\)`)

// FormatText replaces each %(name) in format with fields[name] in a single
// pass. Unknown names render as "undefined".
func FormatText(format string, fields map[string]string) string {
	return placeholder.ReplaceAllStringFunc(format, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := fields[name]; ok {
			return v
		}
		return "undefined"
	})
}

// NormalizeWhitespace collapses whitespace runs to a single space and trims.
// Whitespace is the browser's \s set: it includes U+FEFF but not U+0085.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.FieldsFunc(s, isSpace), " ")
}

func isSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', ' ', 0x00A0, 0x1680, 0x2028, 0x2029, 0x202F, 0x205F, 0x3000, 0xFEFF:
		return true
	}
	return r >= 0x2000 && r <= 0x200A
}

// AllEmpty reports whether every value in fields is empty.
func AllEmpty(fields map[string]string) bool {
	for _, v := range fields {
		if v != "" {
			return false
		}
	}
	return true
}
