package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultCommandPrefix = "!/"

// projectHandler tags the session with a project label for logs and
// capture files. An empty value clears the tag.
type projectHandler struct {
	paramInfo
}

var _ ParameterHandler = (*projectHandler)(nil)

func newProjectHandler() *projectHandler {
	return &projectHandler{paramInfo{
		name:        "project",
		description: "Label this session with a project name.",
		examples:    []string{"set(project=billing-api)"},
	}}
}

func (h *projectHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	value = strings.TrimSpace(value)
	next := cctx.State.WithProject(value)
	if value == "" {
		return Succeed("project cleared", next)
	}
	return Succeed(fmt.Sprintf("project set to %s", value), next)
}

func (h *projectHandler) Unset(cctx *CommandContext) HandlerOutcome {
	return Succeed("project cleared", cctx.State.WithProject(""))
}

// projectDirHandler records the working directory associated with the
// session. The value must point at an existing directory; a leading ~ is
// expanded.
type projectDirHandler struct {
	paramInfo
}

var _ ParameterHandler = (*projectDirHandler)(nil)

func newProjectDirHandler() *projectDirHandler {
	return &projectDirHandler{paramInfo{
		name:        "project-dir",
		aliases:     []string{"project-directory"},
		description: "Associate an existing directory with this session.",
		examples:    []string{"set(project-dir=~/src/billing-api)"},
	}}
}

func (h *projectDirHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	dir := strings.TrimSpace(value)
	if dir == "" {
		return Succeed("project dir cleared", cctx.State.WithProjectDir(""))
	}
	expanded, err := expandHome(dir)
	if err != nil {
		return Fail(fmt.Sprintf("cannot expand %q: %v", dir, err))
	}
	info, err := os.Stat(expanded)
	if err != nil || !info.IsDir() {
		return Fail(fmt.Sprintf("project dir %q is not an accessible directory", expanded))
	}
	next := cctx.State.WithProjectDir(expanded)
	return Succeed(fmt.Sprintf("project dir set to %s", expanded), next)
}

func (h *projectDirHandler) Unset(cctx *CommandContext) HandlerOutcome {
	return Succeed("project dir cleared", cctx.State.WithProjectDir(""))
}

// commandPrefixHandler swaps the recognized command prefix process-wide,
// persisting it when a persistence capability is bound.
type commandPrefixHandler struct {
	paramInfo
}

var _ ParameterHandler = (*commandPrefixHandler)(nil)

func newCommandPrefixHandler() *commandPrefixHandler {
	return &commandPrefixHandler{paramInfo{
		name:        "command-prefix",
		description: "Change the prefix that marks in-band commands.",
		examples:    []string{"set(command-prefix=%%)"},
	}}
}

func (h *commandPrefixHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	prefix := strings.TrimSpace(value)
	if prefix == "" {
		return Fail("command prefix must not be empty")
	}
	if strings.ContainsAny(prefix, " \t\r\n") {
		return Fail("command prefix must not contain whitespace")
	}
	if err := cctx.App.SetCommandPrefix(prefix); err != nil {
		return Fail(fmt.Sprintf("failed to set command prefix: %v", err))
	}
	return HandlerOutcome{Success: true, Message: fmt.Sprintf("command prefix set to %s", prefix)}
}

func (h *commandPrefixHandler) Unset(cctx *CommandContext) HandlerOutcome {
	if err := cctx.App.SetCommandPrefix(defaultCommandPrefix); err != nil {
		return Fail(fmt.Sprintf("failed to reset command prefix: %v", err))
	}
	return HandlerOutcome{Success: true, Message: fmt.Sprintf("command prefix reset to %s", defaultCommandPrefix)}
}

// redactAPIKeysHandler toggles outbound API key redaction process-wide.
type redactAPIKeysHandler struct {
	paramInfo
}

var _ ParameterHandler = (*redactAPIKeysHandler)(nil)

func newRedactAPIKeysHandler() *redactAPIKeysHandler {
	return &redactAPIKeysHandler{paramInfo{
		name:        "redact-api-keys",
		aliases:     []string{"redact-keys"},
		description: "Toggle replacement of configured API keys in outbound prompts.",
		examples:    []string{"set(redact-api-keys=false)"},
	}}
}

func (h *redactAPIKeysHandler) Handle(cctx *CommandContext, value string) HandlerOutcome {
	enabled, err := parseBoolValue(value)
	if err != nil {
		return Fail(err.Error())
	}
	cctx.App.SetRedactionEnabled(enabled)
	return HandlerOutcome{Success: true, Message: fmt.Sprintf("api key redaction %s", onOff(enabled))}
}

func (h *redactAPIKeysHandler) Unset(cctx *CommandContext) HandlerOutcome {
	cctx.App.SetRedactionEnabled(true)
	return HandlerOutcome{Success: true, Message: "api key redaction reset to enabled"}
}

func expandHome(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
