package recall

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/strandhq/recall/internal/model"
	"github.com/strandhq/recall/internal/service/research"
)

// Public request/response types. These are standalone structs with no
// internal imports in their fields, so embedding consumers never touch
// internal packages; conversion helpers live here because this is the only
// file that sees both sides of the boundary.

// Message is a chat message as seen by the research engine.
type Message struct {
	ID         uuid.UUID
	AuthorID   uuid.UUID
	AuthorKind string // "user" or "persona"
	Content    string
	CreatedAt  time.Time
}

// ResearchRequest describes one assistant invocation to research.
type ResearchRequest struct {
	WorkspaceID    uuid.UUID
	ConversationID uuid.UUID
	// Message is the triggering message the assistant will respond to.
	Message Message
	// RecentHistory frames the search decision; most recent last.
	RecentHistory  []Message
	InvokingUserID uuid.UUID
}

// Citation points at a source memo or message backing the retrieved context.
type Citation struct {
	Kind    string // "memo" or "message"
	ID      uuid.UUID
	Title   string
	URL     string
	Preview string
}

// ResearchResult is the outcome of one research run.
type ResearchResult struct {
	// ContextText is the prose block to inject into the response prompt.
	// Nil when nothing relevant was found.
	ContextText *string
	Sources     []Citation
	// Searched is false when the engine concluded no search was needed.
	Searched bool
}

// MemoEmbedding is a memo vector to upsert into the external index.
type MemoEmbedding struct {
	MemoID         uuid.UUID
	WorkspaceID    uuid.UUID
	ConversationID uuid.UUID
	Vector         []float32
}

// EmbeddingProvider replaces the auto-detected embedding backend.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// ResearchHook receives completed research runs (cache hits excluded).
// Hooks run on their own goroutine and must not block.
type ResearchHook func(ctx context.Context, req ResearchRequest, result ResearchResult)

func toInternalMessage(m Message) model.Message {
	return model.Message{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorKind: model.AuthorKind(m.AuthorKind),
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

func toInternalInput(req ResearchRequest) research.Input {
	history := make([]model.Message, len(req.RecentHistory))
	for i, m := range req.RecentHistory {
		history[i] = toInternalMessage(m)
	}
	return research.Input{
		WorkspaceID:    req.WorkspaceID,
		ConversationID: req.ConversationID,
		Message:        toInternalMessage(req.Message),
		RecentHistory:  history,
		InvokingUserID: req.InvokingUserID,
	}
}

func toPublicRequest(in research.Input) ResearchRequest {
	history := make([]Message, len(in.RecentHistory))
	for i, m := range in.RecentHistory {
		history[i] = toPublicMessage(m)
	}
	return ResearchRequest{
		WorkspaceID:    in.WorkspaceID,
		ConversationID: in.ConversationID,
		Message:        toPublicMessage(in.Message),
		RecentHistory:  history,
		InvokingUserID: in.InvokingUserID,
	}
}

func toPublicMessage(m model.Message) Message {
	return Message{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorKind: string(m.AuthorKind),
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

func toPublicResult(r model.ResearchResult) ResearchResult {
	sources := make([]Citation, len(r.Sources))
	for i, c := range r.Sources {
		sources[i] = Citation{Kind: c.Kind, ID: c.ID, Title: c.Title, URL: c.URL, Preview: c.Preview}
	}
	return ResearchResult{ContextText: r.ContextText, Sources: sources, Searched: r.Searched}
}
