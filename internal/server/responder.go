// ABOUTME: Responder produces an agent's reply for one turn of a conversation
// ABOUTME: EchoResponder is the built-in stand-in used when no model backend is wired

package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/coven-council/internal/wire"
)

// Line is one entry of a conversation's running context.
type Line struct {
	Speaker string
	Text    string
}

// UserSpeaker labels lines the user contributed.
const UserSpeaker = "user"

// Prompt is everything a Responder sees for one turn.
type Prompt struct {
	ConversationID string
	AgentID        string
	Participants   []string
	Sequence       int64
	History        []Line
	Files          []wire.FileAttachment
}

// Responder produces an agent's next message.
type Responder interface {
	Respond(ctx context.Context, p Prompt) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, p Prompt) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// EchoResponder replies to the most recent line with light markdown.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, p Prompt) (string, error) {
	if len(p.History) == 0 {
		return fmt.Sprintf("**%s** has nothing to respond to yet.", p.AgentID), nil
	}

	last := p.History[len(p.History)-1]
	lower := strings.ToLower(last.Text)
	if strings.Contains(lower, "list") || strings.Contains(lower, "bullet") {
		return fmt.Sprintf("**%s** suggests:\n\n- First point\n- Second point with `code`\n- Third point", p.AgentID), nil
	}

	reply := fmt.Sprintf("**%s** replying to %s: *%s*", p.AgentID, last.Speaker, firstLine(last.Text))
	if len(p.Files) > 0 {
		names := make([]string, len(p.Files))
		for i, f := range p.Files {
			names[i] = f.Filename
		}
		reply += fmt.Sprintf("\n\nI read %s.", strings.Join(names, ", "))
	}
	return reply, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	const limit = 80
	if runes := []rune(line); len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return line
}
