package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
)

// Unknown-command stripping policies.
const (
	StripUnknownAuto   = "auto"
	StripUnknownAlways = "always"
	StripUnknownNever  = "never"
)

// CommandProcessorConfig tunes command recognition for the whole process.
type CommandProcessorConfig struct {
	// Disabled bypasses parsing entirely; commands travel to backends as
	// ordinary text.
	Disabled bool
	// StripUnknown decides what happens to spans whose name matches no
	// registered command: auto strips in interactive sessions and
	// preserves otherwise.
	StripUnknown string
}

// ProcessedResult is what command processing leaves behind: the rewritten
// conversation, the per-command outcomes, and the state the session should
// adopt.
type ProcessedResult struct {
	Messages        []ChatMessage
	CommandExecuted bool
	Results         []CommandResult
	FinalState      valueobject.SessionState
	StateChanged    bool
}

// CommandProcessor finds the in-band commands of a request, runs them in
// document order against an evolving session state, and strips their spans
// from the outbound conversation.
type CommandProcessor struct {
	registry *CommandRegistry
	parser   *CommandParser
	app      ApplicationState
	cfg      CommandProcessorConfig
	logger   *zap.Logger
}

func NewCommandProcessor(registry *CommandRegistry, app ApplicationState, cfg CommandProcessorConfig, logger *zap.Logger) *CommandProcessor {
	if cfg.StripUnknown == "" {
		cfg.StripUnknown = StripUnknownAuto
	}
	return &CommandProcessor{
		registry: registry,
		parser:   NewCommandParser(app.CommandPrefix()),
		app:      app,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "command_processor")),
	}
}

// Parser exposes the underlying parser, mainly for outbound scrubbing.
func (p *CommandProcessor) Parser() *CommandParser {
	return p.parser
}

// Process scans messages newest to oldest for the most recent user message
// containing a command, executes all commands of its first matching text
// segment, and returns the rewritten conversation plus outcomes. Messages
// without commands pass through untouched.
func (p *CommandProcessor) Process(ctx context.Context, sessionID string, messages []ChatMessage, state valueobject.SessionState) ProcessedResult {
	out := ProcessedResult{Messages: messages, FinalState: state}
	if p.cfg.Disabled {
		return out
	}
	p.parser.SetPrefix(p.app.CommandPrefix())
	if p.parser.Prefix() == "" {
		return out
	}

	target, partIdx := p.findTarget(messages)
	if target < 0 {
		return out
	}

	msg := messages[target]
	var segment string
	if partIdx < 0 {
		segment = msg.Content.Text()
	} else {
		segment = msg.Content.Parts()[partIdx].Text
	}

	cmds := p.parser.Extract(segment)
	cctx := &CommandContext{Ctx: ctx, SessionID: sessionID, State: state, App: p.app}
	rewritten, executed, results := p.execute(cctx, segment, cmds)

	out.CommandExecuted = executed
	out.Results = results
	out.FinalState = cctx.State
	out.StateChanged = !state.Equals(cctx.State)
	if rewritten == segment {
		return out
	}

	updated := make([]ChatMessage, len(messages))
	copy(updated, messages)
	updated[target] = rewriteMessage(msg, partIdx, rewritten)
	out.Messages = updated
	return out
}

// findTarget returns the index of the newest user message containing a
// command, plus the index of the first text part holding one (-1 for plain
// string content).
func (p *CommandProcessor) findTarget(messages []ChatMessage) (int, int) {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != RoleUser {
			continue
		}
		if !msg.Content.IsParts() {
			if p.parser.ContainsCommand(msg.Content.Text()) {
				return i, -1
			}
			continue
		}
		for j, part := range msg.Content.Parts() {
			if !part.IsText() {
				continue
			}
			if p.parser.ContainsCommand(part.Text) {
				return i, j
			}
		}
	}
	return -1, -1
}

// execute runs every command of segment in document order. Known command
// spans are always stripped; unknown spans follow the configured policy.
func (p *CommandProcessor) execute(cctx *CommandContext, segment string, cmds []ParsedCommand) (string, bool, []CommandResult) {
	var (
		executed bool
		results  []CommandResult
		strip    []ParsedCommand
	)
	for _, cmd := range cmds {
		reg, known := p.registry.Lookup(cmd.Name)
		if !known {
			if p.stripUnknown(cctx.State) {
				strip = append(strip, cmd)
			}
			p.logger.Debug("unknown command",
				zap.String("session_id", cctx.SessionID),
				zap.String("command", cmd.Name))
			continue
		}
		strip = append(strip, cmd)
		executed = true
		if cmd.Malformed != "" {
			results = append(results, CommandResult{Name: cmd.Name, Success: false, Message: cmd.Malformed})
			continue
		}
		res := reg.Execute(cctx, cmd.Args)
		if res.Name == "" {
			res.Name = reg.Name()
		}
		results = append(results, res)
		p.logger.Info("command executed",
			zap.String("session_id", cctx.SessionID),
			zap.String("command", res.Name),
			zap.Bool("success", res.Success))
	}
	if len(strip) == 0 {
		return segment, executed, results
	}
	return stripSpans(segment, strip), executed, results
}

func (p *CommandProcessor) stripUnknown(state valueobject.SessionState) bool {
	switch p.cfg.StripUnknown {
	case StripUnknownAlways:
		return true
	case StripUnknownNever:
		return false
	default:
		return state.InteractiveMode()
	}
}

// stripSpans removes the given spans from segment and cleans up the
// residue left behind.
func stripSpans(segment string, spans []ParsedCommand) string {
	var b strings.Builder
	prev := 0
	for _, s := range spans {
		if s.Start < prev {
			continue
		}
		b.WriteString(segment[prev:s.Start])
		prev = s.End
	}
	b.WriteString(segment[prev:])
	return CleanCommandResidue(b.String())
}

// rewriteMessage substitutes the processed segment back into msg. Text
// parts left empty are dropped; plain content may become empty.
func rewriteMessage(msg ChatMessage, partIdx int, text string) ChatMessage {
	if partIdx < 0 {
		msg.Content = NewTextContent(text)
		return msg
	}
	parts := msg.Content.Parts()
	rebuilt := make([]ContentPart, 0, len(parts))
	for j, part := range parts {
		if j != partIdx {
			rebuilt = append(rebuilt, part)
			continue
		}
		if text == "" {
			continue
		}
		rebuilt = append(rebuilt, part.WithText(text))
	}
	msg.Content = NewPartsContent(rebuilt)
	return msg
}
