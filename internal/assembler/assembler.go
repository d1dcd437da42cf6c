// Package assembler composes the bounded context for a model turn. The
// context is always four named layers, in order: system_floor (identity
// files, active operations, known facts — never truncated), foreground
// (the trigger channel's recent conversation, budgeted), background
// (one-line summaries of other channels), and archived (always empty,
// present for shape stability).
package assembler

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/hippocampus"
	"github.com/cortexhub/cortex/internal/session"
)

// Layer names, in composition order.
const (
	LayerSystemFloor = "system_floor"
	LayerForeground  = "foreground"
	LayerBackground  = "background"
	LayerArchived    = "archived"
)

// IdentityFiles are the fixed workspace files concatenated into the
// system floor, in this order, when present.
var IdentityFiles = []string{"SOUL.md", "IDENTITY.md", "USER.md", "MEMORY.md"}

// Soft caps applied to the foreground walk when Hippocampus is enabled.
const (
	hippocampusMaxMessages = 20
	hippocampusMaxTokens   = 4000
	backgroundMaxAge       = 24 * time.Hour
	maxHotFacts            = 50
	foregroundFetchLimit   = 200
)

// Layer is one named slice of the assembled context.
type Layer struct {
	Name    string
	Content string
	Tokens  int
}

// Context is the assembled model input plus the structured fields the
// loop needs for the turn.
type Context struct {
	Layers              []Layer
	ForegroundMessages  []session.Message
	BackgroundSummaries map[string]string
	PendingOps          []session.PendingOp
	IsOpsTrigger        bool
	TotalTokens         int
}

// SystemFloor returns the always-included first layer's content.
func (c *Context) SystemFloor() string {
	return c.Layers[0].Content
}

// EstimateTokens estimates token count at ⌈len/4⌉ characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Assembler builds contexts from the session store, Hippocampus, and
// the workspace identity files.
type Assembler struct {
	session   *session.Store
	hippo     *hippocampus.Hippocampus
	workspace string
	logger    *slog.Logger
}

// New creates an assembler. workspace may be empty (no identity files).
func New(sess *session.Store, hippo *hippocampus.Hippocampus, workspace string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{session: sess, hippo: hippo, workspace: workspace, logger: logger}
}

// Assemble produces the four-layer context for one turn. The system
// floor is built first and always fully included, even over budget.
// Background summaries come next; the foreground conversation takes
// whatever budget remains.
func (a *Assembler) Assemble(trigger *envelope.Envelope, maxTokens int, hippoEnabled bool) (*Context, error) {
	ctx := &Context{
		BackgroundSummaries: make(map[string]string),
		IsOpsTrigger:        trigger.IsOpsTrigger(),
	}

	floor, ops, err := a.buildSystemFloor(hippoEnabled)
	if err != nil {
		return nil, err
	}
	ctx.PendingOps = ops

	background, summaries, err := a.buildBackground(trigger.Channel, hippoEnabled)
	if err != nil {
		return nil, err
	}
	ctx.BackgroundSummaries = summaries

	floorTokens := EstimateTokens(floor)
	backgroundTokens := EstimateTokens(background)

	remaining := maxTokens - floorTokens - backgroundTokens
	if remaining < 0 {
		remaining = 0
	}

	foreground, fgMessages, err := a.buildForeground(trigger.Channel, remaining, hippoEnabled)
	if err != nil {
		return nil, err
	}
	ctx.ForegroundMessages = fgMessages

	ctx.Layers = []Layer{
		{Name: LayerSystemFloor, Content: floor, Tokens: floorTokens},
		{Name: LayerForeground, Content: foreground, Tokens: EstimateTokens(foreground)},
		{Name: LayerBackground, Content: background, Tokens: backgroundTokens},
		{Name: LayerArchived, Content: "", Tokens: 0},
	}
	for _, l := range ctx.Layers {
		ctx.TotalTokens += l.Tokens
	}
	return ctx, nil
}

// buildSystemFloor concatenates the identity files, the active
// operations section, and (when Hippocampus is enabled) the known-facts
// section.
func (a *Assembler) buildSystemFloor(hippoEnabled bool) (string, []session.PendingOp, error) {
	var b strings.Builder

	if a.workspace != "" {
		for _, name := range IdentityFiles {
			data, err := os.ReadFile(filepath.Join(a.workspace, name))
			if err != nil {
				continue
			}
			b.Write(data)
			b.WriteString("\n\n")
		}
	}

	ops, err := a.session.PendingOps()
	if err != nil {
		return "", nil, err
	}
	if len(ops) > 0 {
		b.WriteString("## Active Operations\n\n")
		if hasTerminal(ops) {
			b.WriteString("One or more dispatched tasks have finished. Report each result to the user on its channel now.\n\n")
		}
		for _, op := range ops {
			b.WriteString(formatOpLine(op))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if hippoEnabled && a.hippo != nil {
		facts, err := a.hippo.TopFacts(maxHotFacts)
		if err != nil {
			return "", nil, err
		}
		if len(facts) > 0 {
			b.WriteString("## Known Facts\n\n")
			for _, f := range facts {
				b.WriteString("- ")
				b.WriteString(f.Fact)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	return b.String(), ops, nil
}

func hasTerminal(ops []session.PendingOp) bool {
	for _, op := range ops {
		if op.Status != session.OpStatusPending {
			return true
		}
	}
	return false
}

// formatOpLine renders one structured active-operations line. The field
// layout matches the dispatch-evidence rows the model has already seen,
// so the model can correlate them.
func formatOpLine(op session.PendingOp) string {
	status := "Pending"
	tail := ""
	switch op.Status {
	case session.OpStatusCompleted:
		status = "Completed"
		tail = fmt.Sprintf(", Result=%s", op.Result)
	case session.OpStatusFailed:
		status = "Failed"
		tail = fmt.Sprintf(", Error=%s", op.Result)
	}
	channel := op.ReplyChannel
	if channel == "" {
		channel = op.ExpectedChannel
	}
	return fmt.Sprintf("[TASK_ID]=%s, Message='%s', Status=%s, Channel=%s%s",
		op.ID, op.Description, status, channel, tail)
}

// buildBackground emits one line per channel that is neither the
// trigger channel nor archived. With Hippocampus enabled, channels
// quiet for more than 24 hours are dropped as well.
func (a *Assembler) buildBackground(triggerChannel string, hippoEnabled bool) (string, map[string]string, error) {
	states, err := a.session.ChannelStates()
	if err != nil {
		return "", nil, err
	}

	summaries := make(map[string]string)
	var b strings.Builder
	cutoff := time.Now().Add(-backgroundMaxAge)

	for _, cs := range states {
		if cs.Channel == triggerChannel || cs.Layer == session.LayerArchived {
			continue
		}
		if hippoEnabled && cs.LastMessageAt.Before(cutoff) {
			continue
		}
		summary := cs.Summary
		if summary == "" {
			summary = fmt.Sprintf("%d unread messages", cs.UnreadCount)
		}
		summaries[cs.Channel] = summary
		fmt.Fprintf(&b, "[%s] %s (last: %s)\n", cs.Channel, summary, cs.LastMessageAt.UTC().Format(time.RFC3339))
	}
	return b.String(), summaries, nil
}

// buildForeground walks the trigger channel's history newest→oldest,
// accumulating messages while they fit the remaining budget (and the
// Hippocampus soft caps when enabled), then restores chronological
// order. The result is always a contiguous suffix of the channel
// history.
func (a *Assembler) buildForeground(channel string, budget int, hippoEnabled bool) (string, []session.Message, error) {
	history, err := a.session.History(channel, foregroundFetchLimit, nil)
	if err != nil {
		return "", nil, err
	}

	var picked []session.Message
	tokens := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		line := formatMessage(m)
		lineTokens := EstimateTokens(line)
		if tokens+lineTokens > budget {
			break
		}
		if hippoEnabled {
			if len(picked) >= hippocampusMaxMessages {
				break
			}
			if tokens+lineTokens > hippocampusMaxTokens {
				break
			}
		}
		picked = append(picked, m)
		tokens += lineTokens
	}

	// picked is newest-first; flip to chronological.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}

	var b strings.Builder
	for _, m := range picked {
		b.WriteString(formatMessage(m))
		b.WriteString("\n")
	}
	return b.String(), picked, nil
}

func formatMessage(m session.Message) string {
	if m.Role == session.RoleAssistant {
		return "Cortex: " + m.Content
	}
	return fmt.Sprintf("[%s] %s: %s", m.Channel, m.SenderID, m.Content)
}
