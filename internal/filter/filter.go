// Package filter applies user-defined text transformations to chat fields and
// formatted output.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type Target string

const (
	TargetField  Target = "field"
	TargetOutput Target = "output"
)

type Type string

const (
	TypePattern Type = "pattern"
	TypeCommand Type = "command"
)

// Filter is one entry of the ordered text-filter list. The JSON shape matches
// the persisted settings value.
type Filter struct {
	ID          int    `json:"id"`
	Enabled     bool   `json:"enabled"`
	Target      Target `json:"target"`
	FieldName   string `json:"fieldName,omitempty"`
	Type        Type   `json:"type"`
	IsRegex     bool   `json:"isRegex,omitempty"`
	Flags       string `json:"flags,omitempty"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement,omitempty"`
}

var ErrInvalidFilter = errors.New("invalid filter")

// Validate checks the static shape of f. A regex that fails to compile is
// reported too, although Apply tolerates it.
func (f Filter) Validate() error {
	switch f.Target {
	case TargetOutput:
	case TargetField:
		if f.FieldName == "" {
			return fmt.Errorf("%w: field target requires fieldName", ErrInvalidFilter)
		}
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidFilter, f.Target)
	}
	switch f.Type {
	case TypePattern:
		if f.IsRegex {
			if _, _, err := compile(f.Pattern, f.Flags); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
		}
	case TypeCommand:
		if _, ok := parseCommand(f.Pattern); !ok {
			return fmt.Errorf("%w: malformed command %q", ErrInvalidFilter, f.Pattern)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, f.Type)
	}
	return nil
}

type options struct {
	field string
	warn  func(msg string, args ...any)
}

type Option func(*options)

// WithField sets the field currently being processed. Field-target filters
// only apply when their FieldName equals it.
func WithField(name string) Option {
	return func(o *options) { o.field = name }
}

// WithWarn installs the callback for malformed filters.
func WithWarn(fn func(msg string, args ...any)) Option {
	return func(o *options) { o.warn = fn }
}

// WithLogger reports malformed filters as warnings on logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.warn = logger.Warn
		}
	}
}

// Apply runs filters over text in list order. Each applicable filter receives
// the previous filter's output. Malformed filters are skipped with a warning.
func Apply(text string, filters []Filter, opts ...Option) string {
	o := options{warn: func(string, ...any) {}}
	for _, opt := range opts {
		opt(&o)
	}

	result := text
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		if f.Target == TargetField && f.FieldName != o.field {
			continue
		}
		switch f.Type {
		case TypePattern:
			result = applyPattern(result, f, o)
		case TypeCommand:
			result = applyCommand(result, f.Pattern, o)
		}
	}
	return result
}

func applyPattern(text string, f Filter, o options) string {
	if !f.IsRegex {
		return replaceLiteral(text, f.Pattern, f.Replacement)
	}
	re, global, err := compile(f.Pattern, f.Flags)
	if err != nil {
		o.warn("invalid pattern in filter", slog.Int("filter_id", f.ID), slog.String("error", err.Error()))
		return text
	}
	out, err := replaceRegex(re, text, f.Replacement, global)
	if err != nil {
		o.warn("pattern failed in filter", slog.Int("filter_id", f.ID), slog.String("error", err.Error()))
		return text
	}
	return out
}

// replaceLiteral replaces every occurrence of old. An empty old matches at
// every character boundary.
func replaceLiteral(s, old, repl string) string {
	if !strings.Contains(repl, "$") {
		return strings.ReplaceAll(s, old, repl)
	}
	runes := []rune(s)
	oldRunes := []rune(old)
	var b strings.Builder
	last := 0
	for i := 0; i <= len(runes); {
		if !hasPrefixAt(runes, oldRunes, i) {
			i++
			continue
		}
		b.WriteString(string(runes[last:i]))
		expand(&b, repl, runes, i, len(oldRunes), nil)
		last = i + len(oldRunes)
		if len(oldRunes) == 0 {
			if i < len(runes) {
				b.WriteRune(runes[i])
			}
			i++
			last = i
			continue
		}
		i = last
	}
	if last < len(runes) {
		b.WriteString(string(runes[last:]))
	}
	return b.String()
}

func hasPrefixAt(s, prefix []rune, at int) bool {
	if at+len(prefix) > len(s) {
		return false
	}
	for j, r := range prefix {
		if s[at+j] != r {
			return false
		}
	}
	return true
}
