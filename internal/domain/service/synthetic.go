package service

import (
	"fmt"
	"strings"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// Agents recognized from the system prompt. Cline needs synthetic replies
// wrapped in its completion envelope or it retries forever.
const (
	AgentCline = "cline"
	AgentRoo   = "roo"
)

// DetectAgent sniffs the calling agent from the first system message.
func DetectAgent(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Role != RoleSystem {
			continue
		}
		text := m.Content.Text()
		switch {
		case strings.Contains(text, "You are Cline"):
			return AgentCline
		case strings.Contains(text, "You are Roo"):
			return AgentRoo
		}
		return ""
	}
	return ""
}

// ComposeBanner builds the greeting shown on hello and when interactive
// mode turns on.
func ComposeBanner(app ApplicationState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello, this is %s v%s - an interactive LLM proxy.\n", app.AppName(), app.AppVersion())
	fmt.Fprintf(&b, "Functional backends: %s\n", joinOrNone(app.FunctionalBackends()))
	fmt.Fprintf(&b, "Command prefix: %s\n", app.CommandPrefix())
	fmt.Fprintf(&b, "Type %shelp for available commands.", app.CommandPrefix())
	return b.String()
}

// BuildSyntheticReply renders the proxy's own answer to a command-only
// request: the banner when requested, then each command outcome.
func BuildSyntheticReply(app ApplicationState, state valueobject.SessionState, results []CommandResult) string {
	var sections []string
	if state.HelloRequested() || state.InteractiveJustEnabled() {
		sections = append(sections, ComposeBanner(app))
	}
	for _, r := range results {
		if r.Message == "" {
			continue
		}
		if r.Success {
			sections = append(sections, r.Message)
		} else {
			sections = append(sections, fmt.Sprintf("%s failed: %s", r.Name, r.Message))
		}
	}
	if len(sections) == 0 {
		sections = append(sections, "ok")
	}
	return strings.Join(sections, "\n\n")
}

// WrapForCline wraps a synthetic reply in the completion envelope the Cline
// agent expects, so it treats the text as a finished task instead of
// retrying.
func WrapForCline(text string) string {
	return "<attempt_completion>\n<result>\n" + text + "\n</result>\n</attempt_completion>"
}
