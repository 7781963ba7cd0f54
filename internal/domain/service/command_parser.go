package service

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// CommandArg is one argument of a parsed command. Bare arguments (no "=")
// land in Key with HasValue false; route and oneoff commands read them
// positionally.
type CommandArg struct {
	Key      string
	Value    string
	HasValue bool
}

// ParsedCommand is one command occurrence inside a text segment. Start and
// End delimit the matched span, including the prefix. Malformed carries a
// human-readable parse problem; the span is still recognized as addressed
// to the proxy.
type ParsedCommand struct {
	Name      string
	Args      []CommandArg
	Raw       string
	Start     int
	End       int
	Malformed string
}

var argKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// CommandParser recognizes the in-band command syntax
// <prefix>name(key=value, ...) with optional parentheses. The prefix is
// configurable at runtime.
type CommandParser struct {
	mu      sync.Mutex
	prefix  string
	pattern *regexp.Regexp
}

func NewCommandParser(prefix string) *CommandParser {
	p := &CommandParser{}
	p.SetPrefix(prefix)
	return p
}

// SetPrefix swaps the recognized prefix, recompiling the match pattern.
// An empty prefix disables recognition.
func (p *CommandParser) SetPrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefix == prefix && p.pattern != nil {
		return
	}
	p.prefix = prefix
	if prefix == "" {
		p.pattern = nil
		return
	}
	p.pattern = regexp.MustCompile(regexp.QuoteMeta(prefix) + `([A-Za-z][A-Za-z0-9_-]*)(\(([^()]*)\))?`)
}

func (p *CommandParser) Prefix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefix
}

// ContainsCommand reports whether text holds at least one command span.
func (p *CommandParser) ContainsCommand(text string) bool {
	p.mu.Lock()
	pattern := p.pattern
	p.mu.Unlock()
	if pattern == nil {
		return false
	}
	return pattern.MatchString(text)
}

// Extract returns every command span in text, in document order.
func (p *CommandParser) Extract(text string) []ParsedCommand {
	p.mu.Lock()
	pattern := p.pattern
	p.mu.Unlock()
	if pattern == nil {
		return nil
	}

	matches := pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	cmds := make([]ParsedCommand, 0, len(matches))
	for _, m := range matches {
		cmd := ParsedCommand{
			Name:  text[m[2]:m[3]],
			Raw:   text[m[0]:m[1]],
			Start: m[0],
			End:   m[1],
		}
		// m[6] >= 0 means the parenthesized argument list is present.
		if m[6] >= 0 {
			args, err := parseArgList(text[m[6]:m[7]])
			if err != nil {
				cmd.Malformed = err.Error()
			} else {
				cmd.Args = args
			}
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// parseArgList splits a raw argument list into ordered arguments. Commas
// inside quoted values do not split.
func parseArgList(raw string) ([]CommandArg, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var args []CommandArg
	for _, part := range splitTopLevel(raw, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		arg, err := parseArg(part)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func parseArg(part string) (CommandArg, error) {
	// A leading quote makes the whole argument a bare quoted value, so an
	// "=" inside the quotes does not start a pair.
	if part[0] == '"' || part[0] == '\'' {
		return CommandArg{Key: unquote(part)}, nil
	}
	eq := strings.IndexByte(part, '=')
	if eq < 0 {
		return CommandArg{Key: part}, nil
	}
	if eq == 0 {
		return CommandArg{}, fmt.Errorf("argument %q is missing a name", part)
	}
	key := strings.TrimSpace(part[:eq])
	if !argKeyPattern.MatchString(key) {
		return CommandArg{}, fmt.Errorf("invalid argument name %q", key)
	}
	value := unquote(strings.TrimSpace(part[eq+1:]))
	return CommandArg{Key: key, Value: value, HasValue: true}, nil
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			cur.WriteByte(c)
		case c == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// ArgValue reads an argument by slot: a key=value pair matching name wins,
// otherwise the i-th bare argument fills the slot.
func ArgValue(args []CommandArg, i int, name string) (string, bool) {
	for _, a := range args {
		if a.HasValue && NormalizeCommandName(a.Key) == name {
			return a.Value, true
		}
	}
	bare := 0
	for _, a := range args {
		if a.HasValue {
			continue
		}
		if bare == i {
			return a.Key, true
		}
		bare++
	}
	return "", false
}
