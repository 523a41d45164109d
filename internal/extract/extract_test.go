package extract

import (
	"testing"

	"github.com/loqalabs/chatreader/internal/dom"
)

func messageElement(t *testing.T) dom.Element {
	t.Helper()
	doc, err := dom.NewHTMLDocument("https://example.test/", `<html><body>
<div class="msg" data-user-id="42">
  <span class="author">  Alice
     Smith </span>
  <span class="body">hello	 there</span>
  <span class="empty"></span>
  <img class="badge" alt="">
</div></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	el := doc.QuerySelector(".msg")
	if el == nil {
		t.Fatal("message element missing")
	}
	return el
}

func TestFieldValues(t *testing.T) {
	el := messageElement(t)
	fields := []Field{
		{Name: "author", Selector: ".author"},
		{Name: "body", Selector: ".body"},
		{Name: "missing", Selector: ".nope"},
		{Name: "missingDefault", Selector: ".nope", DefaultValue: Default("  anon  ")},
		{Name: "emptyText", Selector: ".empty", DefaultValue: Default("fallback")},
		{Name: "badgeAlt", Selector: ".badge", Attribute: "alt", DefaultValue: Default("unused")},
		{Name: "badgeTitle", Selector: ".badge", Attribute: "title", DefaultValue: Default("no title")},
		{Name: "constant", DefaultValue: Default("fixed")},
		{Name: "bareEmpty"},
	}

	got := FieldValues(el, fields)

	want := map[string]string{
		"author":         "Alice Smith",
		"body":           "hello there",
		"missing":        "",
		"missingDefault": "anon",
		"emptyText":      "fallback",
		"badgeAlt":       "",
		"badgeTitle":     "no title",
		"constant":       "fixed",
		"bareEmpty":      "",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(got), got)
	}
	for k, v := range want {
		value, ok := got[k]
		if !ok {
			t.Fatalf("missing key %q", k)
		}
		if value != v {
			t.Fatalf("field %q: expected %q, got %q", k, v, value)
		}
	}
}

func TestFieldValuesNilElement(t *testing.T) {
	got := FieldValues(nil, []Field{{Name: "a", Selector: ".a"}, {Name: "b", DefaultValue: Default("x")}})
	if got["a"] != "" || got["b"] != "x" {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestFormatText(t *testing.T) {
	cases := []struct {
		format string
		fields map[string]string
		want   string
	}{
		{"%(a) %(b)", map[string]string{"a": "x", "b": "y"}, "x y"},
		{"%(a)", map[string]string{}, "undefined"},
		{"%(a)%(a)", map[string]string{"a": "z"}, "zz"},
		{"%(a)", map[string]string{"a": "%(b)", "b": "nested"}, "%(b)"},
		{"no placeholders", nil, "no placeholders"},
		{"%(not closed", map[string]string{"not": "x"}, "%(not closed"},
	}
	for _, tc := range cases {
		if got := FormatText(tc.format, tc.fields); got != tc.want {
			t.Fatalf("FormatText(%q): expected %q, got %q", tc.format, tc.want, got)
		}
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"ascii and ideographic", "  a \t\n b\u3000c  ", "a b c"},
		{"byte order mark", "\ufeffa\ufeff\ufeffb", "a b"},
		{"no-break and thin spaces", "a\u00a0\u2009b\u202fc", "a b c"},
		{"next line is text", "a\u0085b", "a\u0085b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeWhitespace(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAllEmpty(t *testing.T) {
	if !AllEmpty(map[string]string{"a": "", "b": ""}) {
		t.Fatal("expected all empty")
	}
	if AllEmpty(map[string]string{"a": "", "b": "x"}) {
		t.Fatal("expected not all empty")
	}
}
