package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandhq/recall/internal/model"
)

// previewLimit bounds citation previews. Long enough to be recognizable,
// short enough to keep citation payloads small.
const previewLimit = 200

// Formatter renders gathered hits into the prose context block consumed by
// the downstream response prompt, and into structured citations.
type Formatter struct {
	// BaseURL is the workspace UI origin used for citation deep links,
	// without a trailing slash.
	BaseURL string

	// now is injectable for deterministic relative dates in tests.
	now func() time.Time
}

// NewFormatter creates a Formatter rooting citation links at baseURL.
func NewFormatter(baseURL string) *Formatter {
	return &Formatter{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

// Format renders the context block, memos first, then messages, then a
// closing citation instruction. Returns nil iff both hit lists are empty.
func (f *Formatter) Format(memoHits []model.MemoHit, messageHits []model.MessageHit) *string {
	if len(memoHits) == 0 && len(messageHits) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("Relevant context retrieved from this workspace:\n")

	if len(memoHits) > 0 {
		b.WriteString("\n## Memos\n")
		for _, h := range memoHits {
			b.WriteString("\n### " + h.Memo.Title)
			if h.SourceConversationName != "" {
				b.WriteString(" (from " + h.SourceConversationName + ")")
			}
			b.WriteString("\n")
			if h.Memo.Abstract != "" {
				b.WriteString(h.Memo.Abstract + "\n")
			}
			for _, kp := range h.Memo.KeyPoints {
				b.WriteString("- " + kp + "\n")
			}
		}
	}

	if len(messageHits) > 0 {
		b.WriteString("\n## Messages\n")
		now := f.now()
		for _, h := range messageHits {
			author := h.AuthorDisplayName
			if author == "" {
				author = "unknown"
			}
			b.WriteString("\n> " + strings.ReplaceAll(h.Content, "\n", "\n> ") + "\n")
			b.WriteString("— " + author)
			if h.ConversationName != "" {
				b.WriteString(" in " + h.ConversationName)
			}
			b.WriteString(", " + relativeDate(h.CreatedAt, now) + "\n")
		}
	}

	b.WriteString("\nWhen your answer draws on any of the above, cite the source it came from.\n")

	out := b.String()
	return &out
}

// BuildCitations returns one citation per hit, memos first, in the same order
// Format renders them so numbered references stay aligned.
func (f *Formatter) BuildCitations(memoHits []model.MemoHit, messageHits []model.MessageHit, workspaceID uuid.UUID) []model.Citation {
	if len(memoHits) == 0 && len(messageHits) == 0 {
		return nil
	}

	out := make([]model.Citation, 0, len(memoHits)+len(messageHits))
	for _, h := range memoHits {
		out = append(out, model.Citation{
			Kind:    "memo",
			ID:      h.Memo.ID,
			Title:   h.Memo.Title,
			URL:     fmt.Sprintf("%s/w/%s/memos/%s", f.BaseURL, workspaceID, h.Memo.ID),
			Preview: preview(h.Memo.Abstract),
		})
	}
	for _, h := range messageHits {
		title := h.AuthorDisplayName
		if title == "" {
			title = "unknown"
		}
		out = append(out, model.Citation{
			Kind:    "message",
			ID:      h.ID,
			Title:   title,
			URL:     fmt.Sprintf("%s/w/%s/c/%s?m=%s", f.BaseURL, workspaceID, h.ConversationID, h.ID),
			Preview: preview(h.Content),
		})
	}
	return out
}

// compactHits renders the working set for the evaluate prompt. Dense on
// purpose: the model needs titles and excerpts, not the full citation block.
func compactHits(memoHits []model.MemoHit, messageHits []model.MessageHit) string {
	if len(memoHits) == 0 && len(messageHits) == 0 {
		return "(nothing gathered yet)"
	}

	var b strings.Builder
	for _, h := range memoHits {
		fmt.Fprintf(&b, "memo: %s — %s\n", h.Memo.Title, preview(h.Memo.Abstract))
	}
	for _, h := range messageHits {
		fmt.Fprintf(&b, "message (%s): %s\n", h.AuthorDisplayName, preview(h.Content))
	}
	return b.String()
}

// preview truncates on a rune boundary and marks the cut.
func preview(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return strings.TrimSpace(string(runes[:previewLimit])) + "…"
}

func relativeDate(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	case d < 48*time.Hour:
		return "yesterday"
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	default:
		return "on " + t.Format("Jan 2, 2006")
	}
}
