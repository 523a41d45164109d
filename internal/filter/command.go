package filter

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
)

var commandSyntax = regexp.MustCompile(`^(\w+)\(([^)]*)\)$`)

type command struct {
	name string
	args []string
}

func parseCommand(pattern string) (command, bool) {
	m := commandSyntax.FindStringSubmatch(strings.TrimSpace(pattern))
	if m == nil {
		return command{}, false
	}
	cmd := command{name: m[1]}
	if strings.TrimSpace(m[2]) != "" {
		for _, arg := range strings.Split(m[2], ",") {
			cmd.args = append(cmd.args, strings.TrimSpace(arg))
		}
	}
	return cmd, true
}

func applyCommand(text, pattern string, o options) string {
	cmd, ok := parseCommand(pattern)
	if !ok {
		o.warn("invalid command format", slog.String("command", pattern))
		return text
	}
	switch cmd.name {
	case "substring":
		// substring(end) or substring(end, start)
		start := 0
		if len(cmd.args) > 1 {
			start = parseIntPrefix(cmd.args[1])
		}
		runes := []rune(text)
		end := len(runes)
		if len(cmd.args) > 0 && cmd.args[0] != "" {
			end = parseIntPrefix(cmd.args[0])
		}
		return substring(runes, start, end)
	default:
		o.warn("unknown command", slog.String("command", cmd.name))
		return text
	}
}

// substring clamps both bounds to the text and swaps them when reversed.
func substring(runes []rune, start, end int) string {
	start = clamp(start, 0, len(runes))
	end = clamp(end, 0, len(runes))
	if start > end {
		start, end = end, start
	}
	return string(runes[start:end])
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// parseIntPrefix reads an optional sign and leading decimal digits. Input
// without digits yields 0.
func parseIntPrefix(s string) int {
	s = strings.TrimSpace(s)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		if n > (math.MaxInt32-9)/10 {
			n = math.MaxInt32
			break
		}
		n = n*10 + int(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}
