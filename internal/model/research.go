package model

import (
	"time"

	"github.com/google/uuid"
)

// SearchTarget selects which corpus a search query runs against.
type SearchTarget string

const (
	TargetMemo    SearchTarget = "memo"
	TargetMessage SearchTarget = "message"
)

// SearchMode selects the retrieval strategy for a query.
type SearchMode string

const (
	ModeSemantic SearchMode = "semantic"
	ModeExact    SearchMode = "exact"
)

// SearchQuery is one typed search request produced by the decide/evaluate
// steps. Callers never construct queries directly.
type SearchQuery struct {
	Target SearchTarget `json:"target"`
	Mode   SearchMode   `json:"mode"`
	Text   string       `json:"text"`
}

// Valid reports whether the query has a known target and mode.
func (q SearchQuery) Valid() bool {
	switch q.Target {
	case TargetMemo, TargetMessage:
	default:
		return false
	}
	switch q.Mode {
	case ModeSemantic, ModeExact:
	default:
		return false
	}
	return true
}

// MemoHit is a retrieved memo with its similarity distance and the display
// name of the conversation it was distilled from. Carries enough denormalized
// data to be cited without further lookups.
type MemoHit struct {
	Memo Memo
	// Distance is the cosine distance for semantic hits, or a normalized
	// inverse relevance for full-text hits. Lower is closer.
	Distance float64
	// SourceConversationName is empty when the source conversation is gone.
	SourceConversationName string
}

// MessageHit is a retrieved message enriched with author and conversation
// display data.
type MessageHit struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	Content           string
	AuthorID          uuid.UUID
	AuthorKind        AuthorKind
	AuthorDisplayName string
	ConversationName  string
	CreatedAt         time.Time
}

// Citation is a structured pointer back to a source memo or message.
type Citation struct {
	// Kind is "memo" or "message".
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
	// Title is the memo title or the author's display name for messages.
	Title string `json:"title"`
	// URL is a stable deep link into the workspace UI.
	URL string `json:"url"`
	// Preview is a short excerpt, at most ~200 characters.
	Preview string `json:"preview"`
}

// ResearchResult is what the orchestrator returns to the response-generation
// component.
type ResearchResult struct {
	// ContextText is the formatted prose block for the LLM prompt. Nil iff
	// no hits were gathered.
	ContextText *string
	Sources     []Citation
	// Searched is false only when the decide step concluded no search was
	// needed, or setup found nothing searchable.
	Searched bool
}

// CachedResult is the reduced projection of a ResearchResult stored in the
// cache. The enriched hit lists are intentionally dropped: they denormalize
// joins that go stale, and the downstream consumer only needs the rendered
// text and citations.
type CachedResult struct {
	ContextText *string    `json:"context_text"`
	Sources     []Citation `json:"sources"`
	Searched    bool       `json:"searched"`
}

// ResearchCacheEntry is one row of the research cache, keyed by the
// triggering message.
type ResearchCacheEntry struct {
	MessageID      uuid.UUID
	WorkspaceID    uuid.UUID
	ConversationID uuid.UUID
	Access         AccessSpec
	Result         CachedResult
	CreatedAt      time.Time
	ExpiresAt      time.Time
}
