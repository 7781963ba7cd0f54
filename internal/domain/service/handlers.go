package service

import (
	"fmt"
	"strings"
)

// paramInfo carries the descriptive metadata shared by all parameter
// handlers and answers CanHandle by normalized name or alias.
type paramInfo struct {
	name        string
	aliases     []string
	description string
	examples    []string
}

func (p paramInfo) Name() string        { return p.name }
func (p paramInfo) Aliases() []string   { return p.aliases }
func (p paramInfo) Description() string { return p.description }
func (p paramInfo) Examples() []string  { return p.examples }

func (p paramInfo) CanHandle(param string) bool {
	if NormalizeCommandName(p.name) == param {
		return true
	}
	for _, alias := range p.aliases {
		if NormalizeCommandName(alias) == param {
			return true
		}
	}
	return false
}

// parseBoolValue accepts the usual spellings of a toggle.
func parseBoolValue(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "on", "yes", "1", "enable", "enabled":
		return true, nil
	case "false", "off", "no", "0", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("expected a boolean (true/false, on/off, 1/0), got %q", v)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
