package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MatchTimeout bounds a single regex evaluation. User patterns can backtrack
// catastrophically; a timed-out filter is skipped like an invalid one.
var MatchTimeout = 250 * time.Millisecond

type compiled struct {
	re     *regexp2.Regexp
	global bool
}

var cache, _ = lru.New[string, compiled](256)

// compile builds an ECMAScript regex from a pattern and JavaScript flags.
func compile(pattern, flags string) (*regexp2.Regexp, bool, error) {
	key := flags + "\x00" + pattern
	if c, ok := cache.Get(key); ok {
		return c.re, c.global, nil
	}

	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	global, dotAll := false, false
	seen := make(map[rune]bool, len(flags))
	for _, f := range flags {
		if seen[f] {
			return nil, false, fmt.Errorf("duplicate flag %q", f)
		}
		seen[f] = true
		switch f {
		case 'g':
			global = true
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			dotAll = true
		case 'u', 'y', 'd':
		default:
			return nil, false, fmt.Errorf("invalid flag %q", f)
		}
	}

	if dotAll {
		pattern = expandDots(pattern)
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, false, err
	}
	re.MatchTimeout = MatchTimeout
	cache.Add(key, compiled{re: re, global: global})
	return re, global, nil
}

// expandDots rewrites every unescaped `.` outside a character class as
// `[\s\S]`. ECMAScript mode ignores the Singleline option, so this is how
// the s flag gets dotAll behavior.
func expandDots(pattern string) string {
	var b strings.Builder
	inClass := false
	r := []rune(pattern)
	for i := 0; i < len(r); i++ {
		switch c := r[i]; {
		case c == '\\' && i+1 < len(r):
			b.WriteRune(c)
			b.WriteRune(r[i+1])
			i++
		case c == '[' && !inClass:
			inClass = true
			b.WriteRune(c)
		case c == ']' && inClass:
			inClass = false
			b.WriteRune(c)
		case c == '.' && !inClass:
			b.WriteString(`[\s\S]`)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func replaceRegex(re *regexp2.Regexp, text, repl string, global bool) (string, error) {
	count := 1
	if global {
		count = -1
	}
	runes := []rune(text)
	named := namedGroups(re)
	return re.ReplaceFunc(text, func(m regexp2.Match) string {
		var b strings.Builder
		expand(&b, repl, runes, m.Index, m.Length, matchCaptures{m: &m, hasNamed: named})
		return b.String()
	}, -1, count)
}

func namedGroups(re *regexp2.Regexp) bool {
	for _, name := range re.GetGroupNames() {
		if _, err := strconv.Atoi(name); err != nil {
			return true
		}
	}
	return false
}

type captures interface {
	count() int
	group(n int) string
	// named returns ok=false when the pattern declares no named groups.
	named(name string) (string, bool)
}

type matchCaptures struct {
	m        *regexp2.Match
	hasNamed bool
}

func (c matchCaptures) count() int { return len(c.m.Groups()) - 1 }

func (c matchCaptures) group(n int) string {
	g := c.m.GroupByNumber(n)
	if g == nil || len(g.Captures) == 0 {
		return ""
	}
	return g.String()
}

func (c matchCaptures) named(name string) (string, bool) {
	if !c.hasNamed {
		return "", false
	}
	g := c.m.GroupByName(name)
	if g == nil || len(g.Captures) == 0 {
		return "", true
	}
	return g.String(), true
}

// expand writes repl with JavaScript substitution tokens resolved against the
// match input[start:start+length]. Positions count runes.
func expand(b *strings.Builder, repl string, input []rune, start, length int, caps captures) {
	r := []rune(repl)
	groups := 0
	if caps != nil {
		groups = caps.count()
	}
	for i := 0; i < len(r); i++ {
		if r[i] != '$' || i+1 >= len(r) {
			b.WriteRune(r[i])
			continue
		}
		next := r[i+1]
		switch {
		case next == '$':
			b.WriteRune('$')
			i++
		case next == '&':
			b.WriteString(string(input[start : start+length]))
			i++
		case next == '`':
			b.WriteString(string(input[:start]))
			i++
		case next == '\'':
			b.WriteString(string(input[start+length:]))
			i++
		case isDigit(next):
			n := int(next - '0')
			if i+2 < len(r) && isDigit(r[i+2]) {
				if nn := n*10 + int(r[i+2]-'0'); nn >= 1 && nn <= groups {
					b.WriteString(caps.group(nn))
					i += 2
					continue
				}
			}
			if n >= 1 && n <= groups {
				b.WriteString(caps.group(n))
				i++
				continue
			}
			b.WriteRune('$')
		case next == '<':
			end := -1
			for j := i + 2; j < len(r); j++ {
				if r[j] == '>' {
					end = j
					break
				}
			}
			if caps == nil || end < 0 {
				b.WriteRune('$')
				continue
			}
			value, ok := caps.named(string(r[i+2 : end]))
			if !ok {
				b.WriteRune('$')
				continue
			}
			b.WriteString(value)
			i = end
		default:
			b.WriteRune('$')
		}
	}
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
