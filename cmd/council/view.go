// ABOUTME: Terminal rendering for council: new turns, typing changes and terminal states
// ABOUTME: Also implements client.Notifier so toasts and credit prompts print inline

package main

import (
	"fmt"
	"hash/fnv"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/gate"
	"github.com/2389/coven-council/internal/render"
	"github.com/2389/coven-council/internal/transport"
)

var speakerColors = []color.Attribute{
	color.FgCyan,
	color.FgMagenta,
	color.FgGreen,
	color.FgYellow,
	color.FgBlue,
	color.FgHiCyan,
	color.FgHiMagenta,
}

// speakerColor picks a stable color for an agent id.
func speakerColor(agentID string) *color.Color {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return color.New(speakerColors[int(h.Sum32())%len(speakerColors)], color.Bold)
}

// view prints snapshot changes. Only what changed since the previous
// snapshot is written.
type view struct {
	mu  sync.Mutex
	out io.Writer

	conversationID string
	printed        int64 // highest sequence written, -1 before the first
	typing         []string
	state          conversation.State
}

func newView(out io.Writer) *view {
	return &view{out: out, printed: -1}
}

// Render writes the difference between s and the last rendered snapshot.
func (v *view) Render(s conversation.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s.ConversationID != v.conversationID {
		v.conversationID = s.ConversationID
		v.printed = -1
		v.typing = nil
	}

	for _, t := range s.Transcript {
		if t.Sequence <= v.printed {
			continue
		}
		v.printed = t.Sequence
		speaker := t.Speaker
		if speaker == "" {
			speaker = t.AgentID
		}
		fmt.Fprintf(v.out, "%s %s\n", speakerColor(t.AgentID).Sprintf("%s:", speaker), color.HiBlackString("#%d", t.Sequence))
		fmt.Fprintln(v.out, indent(render.Markdown(t.Text), "  "))
		fmt.Fprintln(v.out)
	}

	typing := make([]string, 0, len(s.Typing))
	for _, ti := range s.Typing {
		typing = append(typing, ti.AgentID)
	}
	slices.Sort(typing)
	if !slices.Equal(typing, v.typing) {
		v.typing = typing
		if len(typing) > 0 {
			fmt.Fprintln(v.out, color.HiBlackString("%s typing…", strings.Join(typing, ", ")))
		}
	}

	if s.State != v.state {
		v.state = s.State
		switch s.State {
		case conversation.StateStarting:
			fmt.Fprintln(v.out, color.HiBlackString("starting conversation…"))
		case conversation.StateCompleted:
			color.New(color.FgGreen).Fprintln(v.out, "✓ conversation complete")
		case conversation.StateStopped:
			color.New(color.FgYellow).Fprintln(v.out, "■ conversation stopped")
		case conversation.StateErrored:
			msg := "conversation failed"
			if s.Err != nil {
				msg = fmt.Sprintf("conversation failed: %v", s.Err)
			}
			color.New(color.FgRed).Fprintln(v.out, "✗ "+msg)
		}
	}
}

// Status prints a one-line summary of s.
func (v *view) Status(s conversation.Snapshot, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !ok {
		fmt.Fprintln(v.out, "No conversation yet.")
		return
	}
	fmt.Fprintf(v.out, "State:        %s\n", s.State)
	if s.ConversationID != "" {
		fmt.Fprintf(v.out, "Conversation: %s\n", s.ConversationID)
	}
	fmt.Fprintf(v.out, "Agents:       %s\n", strings.Join(s.Participants, ", "))
	fmt.Fprintf(v.out, "Turns:        %d (%d/%d this round)\n", len(s.Transcript), s.RoundTurns, s.MaxTurns)
}

// Printf writes a line under the view's lock.
func (v *view) Printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

// Toast implements client.Notifier.
func (v *view) Toast(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	color.New(color.FgRed).Fprintln(v.out, "[error] "+message)
}

// InsufficientCredits implements client.Notifier.
func (v *view) InsufficientCredits(err *gate.InsufficientError) {
	v.mu.Lock()
	defer v.mu.Unlock()

	yellow := color.New(color.FgYellow)
	if err.Required > 0 {
		yellow.Fprintf(v.out, "[credits] this needs %d credits and you have %d. Top up %d to continue.\n",
			err.Required, err.Current, err.Shortfall)
		return
	}
	yellow.Fprintln(v.out, "[credits] not enough credits to continue. Top up and try again.")
}

// Connection implements client.Notifier.
func (v *view) Connection(st transport.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch st.Kind {
	case transport.StatusConnect:
		if st.Reconnect {
			color.New(color.FgGreen).Fprintln(v.out, "[connection] reconnected")
		}
	case transport.StatusDisconnect:
		color.New(color.FgYellow).Fprintln(v.out, "[connection] lost, reconnecting…")
	case transport.StatusConnectError:
		color.New(color.FgRed).Fprintf(v.out, "[connection] %v\n", st.Err)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
