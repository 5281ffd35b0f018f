package command

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultPrefix introduces an in-band command inside user content.
const DefaultPrefix = "!/"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+`)

// Command is one parsed in-band directive.
type Command struct {
	Name string
	Args Args
}

// Args holds the parsed argument list. Bare keys map to "" (meaning
// "unset" or "flag set"); Order preserves appearance order for
// positional-style commands like unset(k1,k2).
type Args struct {
	Values map[string]string
	Order  []string
}

// Get returns the named argument value.
func (a Args) Get(key string) (string, bool) {
	v, ok := a.Values[key]
	return v, ok
}

// Keys returns argument keys in appearance order.
func (a Args) Keys() []string {
	return a.Order
}

// First returns the first argument key, for single-positional commands
// like model(gpt-4) or oneoff(backend/model).
func (a Args) First() string {
	if len(a.Order) == 0 {
		return ""
	}
	return a.Order[0]
}

// Len reports the number of arguments.
func (a Args) Len() int {
	return len(a.Order)
}

// String renders the command back to its textual form. Parse(String())
// reproduces the command for ASCII argument values.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(DefaultPrefix)
	b.WriteString(c.Name)
	if c.Args.Len() == 0 {
		return b.String()
	}
	b.WriteByte('(')
	for i, k := range c.Args.Order {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		if v := c.Args.Values[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	b.WriteByte(')')
	return b.String()
}

// Match is one command occurrence within a content string.
type Match struct {
	Command Command
	Start   int // byte offset of the prefix
	End     int // byte offset just past the span
}

// Parser extracts in-band commands from message content.
type Parser struct {
	prefix string
}

// NewParser creates a parser with the given prefix ("" uses DefaultPrefix).
func NewParser(prefix string) *Parser {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Parser{prefix: prefix}
}

// FindFirst returns the first command occurrence in content.
// Unterminated brackets or quotes in the argument list disqualify the
// candidate; scanning continues past it.
func (p *Parser) FindFirst(content string) (Match, bool) {
	offset := 0
	for {
		idx := strings.Index(content[offset:], p.prefix)
		if idx < 0 {
			return Match{}, false
		}
		start := offset + idx
		rest := content[start+len(p.prefix):]

		name := namePattern.FindString(rest)
		if name == "" {
			offset = start + len(p.prefix)
			continue
		}

		end := start + len(p.prefix) + len(name)
		cmd := Command{Name: strings.ToLower(name), Args: Args{Values: map[string]string{}}}

		// Optional balanced argument list directly after the name.
		if end < len(content) && content[end] == '(' {
			argText, consumed, ok := extractBalanced(content[end:])
			if !ok {
				// Unterminated list: no command here.
				offset = start + len(p.prefix)
				continue
			}
			args, ok := parseArgs(argText)
			if !ok {
				offset = start + len(p.prefix)
				continue
			}
			cmd.Args = args
			end += consumed
		}

		return Match{Command: cmd, Start: start, End: end}, true
	}
}

// FindAll returns every command occurrence in content, left to right.
func (p *Parser) FindAll(content string) []Match {
	var out []Match
	offset := 0
	for {
		m, ok := p.FindFirst(content[offset:])
		if !ok {
			return out
		}
		m.Start += offset
		m.End += offset
		out = append(out, m)
		offset = m.End
	}
}

// RemoveSpan deletes a match's full textual span from content.
func RemoveSpan(content string, m Match) string {
	return content[:m.Start] + content[m.End:]
}

// extractBalanced consumes a parenthesized span starting at s[0]=='(',
// tracking bracket depth and string quoting with backslash escapes.
// Returns the inner text, the bytes consumed including both parens, and
// whether the span closed.
func extractBalanced(s string) (inner string, consumed int, ok bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(s) {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 && ch == ')' {
				return s[1:i], i + 1, true
			}
			if depth < 0 {
				return "", 0, false
			}
		}
	}
	return "", 0, false
}

// parseArgs splits a comma-separated key[=value] list. Commas nested in
// brackets or quotes do not split; value text is preserved verbatim.
func parseArgs(text string) (Args, bool) {
	args := Args{Values: map[string]string{}}
	if strings.TrimSpace(text) == "" {
		return args, true
	}

	var pairs []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(text) {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				pairs = append(pairs, text[last:i])
				last = i + 1
			}
		}
	}
	if quote != 0 || depth != 0 {
		return Args{}, false
	}
	pairs = append(pairs, text[last:])

	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value := splitPair(pair)
		if key == "" {
			continue
		}
		if _, exists := args.Values[key]; !exists {
			args.Order = append(args.Order, key)
		}
		args.Values[key] = value
	}
	return args, true
}

// splitPair splits "key=value" at the first top-level '='. A bare key
// yields an empty value. Surrounding matching quotes on the value are
// stripped and backslash escapes resolved.
func splitPair(pair string) (string, string) {
	idx := -1
	var quote byte
	for i := 0; i < len(pair); i++ {
		ch := pair[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(pair) {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote = ch
			continue
		}
		if ch == '=' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return strings.TrimSpace(pair), ""
	}
	key := strings.TrimSpace(pair[:idx])
	value := strings.TrimSpace(pair[idx+1:])
	return key, unquote(value)
}

// unquote strips one layer of surrounding matching quotes and resolves
// backslash escapes inside it. Unquoted values pass through verbatim.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q != '"' && q != '\'') || s[len(s)-1] != q {
		return s
	}
	inner := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// SortedKeys returns map keys sorted, for stable help output.
func SortedKeys(m map[string]Handler) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
