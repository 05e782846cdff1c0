// Package classify decides whether a request needs full tool-use capability
// or can be served as plain chat. Classification is a pure function of the
// decoded request; the command and shell tables are data, versioned together,
// so the routing policy itself stays reviewable.
package classify

import (
	"regexp"
	"strings"

	"github.com/thriftgate/thriftgate/internal/wire"
)

type Result int

const (
	Conversational Result = iota
	ToolRequired
)

func (r Result) String() string {
	if r == ToolRequired {
		return "tool_required"
	}
	return "conversational"
}

// Policy is the classification rule set. EmptyDefault resolves requests with
// no usable message content: fail-open (Conversational) routes them to the
// cheap path, fail-closed (ToolRequired) to the primary.
type Policy struct {
	Version       string
	Commands      []string
	ShellPatterns []*regexp.Regexp
	EmptyDefault  Result
}

// builtinCommands are the client's slash directives. Any of these implies the
// client expects the primary integration's behavior.
var builtinCommands = []string{
	"/help", "/init", "/status", "/permissions", "/terminal-setup",
	"/install-github-app", "/login", "/logout", "/settings", "/clear",
	"/reset", "/version", "/docs", "/examples", "/debug", "/config",
	"/workspace", "/project", "/files", "/search", "/history",
	"/mcp", "/memory", "/model", "/pr-comments", "/release-notes",
	"/resume", "/review", "/upgrade", "/vim", "/hooks", "/ide",
	"/export", "/doctor", "/cost", "/compact", "/add-dir", "/bug",
}

// shellPatternSources match messages whose leading token is a known
// executable, which the client normally turns into a tool invocation.
var shellPatternSources = []string{
	`^git\s+`, `^npm\s+`, `^pip\s+`, `^python\s+`, `^node\s+`,
	`^ls\s*$`, `^ls\s+`, `^cd\s+`, `^mkdir\s+`, `^rm\s+`, `^cp\s+`, `^mv\s+`,
	`^cat\s+`, `^echo\s+`, `^curl\s+`, `^wget\s+`, `^chmod\s+`,
	`^sudo\s+`, `^which\s+`, `^whereis\s+`, `^find\s+`, `^grep\s+`,
	`^awk\s+`, `^sed\s+`, `^tar\s+`, `^zip\s+`, `^unzip\s+`,
	`^docker\s+`, `^kubectl\s+`, `^helm\s+`, `^make\s+`,
	`^\w+\s+--\w+`, `^\w+\s+-\w+`,
}

var defaultPolicy = NewPolicy(Conversational)

// NewPolicy builds the current rule tables with the given empty-input default.
func NewPolicy(emptyDefault Result) *Policy {
	patterns := make([]*regexp.Regexp, 0, len(shellPatternSources))
	for _, src := range shellPatternSources {
		patterns = append(patterns, regexp.MustCompile(src))
	}
	return &Policy{
		Version:       "v1",
		Commands:      builtinCommands,
		ShellPatterns: patterns,
		EmptyDefault:  emptyDefault,
	}
}

// Classify applies the default fail-open policy.
func Classify(req *wire.MessagesRequest) Result {
	return defaultPolicy.Classify(req)
}

// Classify applies the rules in order, first match wins:
// declared tools, tool blocks in any message, a built-in command prefix in
// the last user message, a shell-command pattern in the last user message.
// Text matching is case-insensitive. Everything else is conversational.
// Declared tools decide before message content is consulted, so a request
// with tools and no messages still routes to the tool-capable path.
func (p *Policy) Classify(req *wire.MessagesRequest) Result {
	if req == nil {
		return p.EmptyDefault
	}

	if len(req.Tools) > 0 {
		return ToolRequired
	}

	if req.HasToolBlocks() {
		return ToolRequired
	}

	if len(req.Messages) == 0 {
		return p.EmptyDefault
	}

	text := strings.ToLower(strings.TrimSpace(req.LastUserText()))
	if text == "" {
		return p.EmptyDefault
	}

	for _, cmd := range p.Commands {
		if strings.HasPrefix(text, cmd) {
			return ToolRequired
		}
	}

	for _, pat := range p.ShellPatterns {
		if pat.MatchString(text) {
			return ToolRequired
		}
	}

	return Conversational
}
