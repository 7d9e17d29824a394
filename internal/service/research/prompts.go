package research

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/strandhq/recall/internal/model"
)

// maxQueriesPerRound caps how many queries a single decide or evaluate
// response may contribute.
const maxQueriesPerRound = 3

const decideSystem = `You are the research planner for a team-chat assistant.
Given the message the assistant was asked to respond to, decide whether
searching the workspace's prior knowledge (summarized memos and raw messages)
would materially improve the answer.

Search is NOT needed for greetings, small talk, pure opinion questions, or
messages fully answerable from the visible history. Search IS needed when the
message references past decisions, prior discussions, named artifacts, or
anything phrased like "what did we decide / discuss / agree on".

If search is needed, plan 1-3 queries. Prefer "memo" target for distilled
decisions and summaries, "message" target for verbatim discussion. Use
"semantic" mode for conceptual questions and "exact" mode when the message
contains distinctive literal terms worth matching.`

const evaluateSystem = `You are reviewing the results gathered so far by a
workspace research loop. Judge whether they are sufficient to answer the
original message. If they are not, plan 1-3 follow-up queries that would
close the gap; do not repeat queries whose results you can already see.
Prefer stopping over speculative extra rounds.`

var querySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"target": {Type: genai.TypeString, Enum: []string{"memo", "message"}},
		"mode":   {Type: genai.TypeString, Enum: []string{"semantic", "exact"}},
		"text":   {Type: genai.TypeString},
	},
	Required: []string{"target", "mode", "text"},
}

var decideSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"needs_search": {Type: genai.TypeBoolean},
		"queries":      {Type: genai.TypeArray, Items: querySchema},
	},
	Required: []string{"needs_search"},
}

var evaluateSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"sufficient": {Type: genai.TypeBoolean},
		"queries":    {Type: genai.TypeArray, Items: querySchema},
	},
	Required: []string{"sufficient"},
}

// decision is the decide step's payload.
type decision struct {
	NeedsSearch bool                `json:"needs_search"`
	Queries     []model.SearchQuery `json:"queries"`
}

// evaluation is the evaluate step's payload.
type evaluation struct {
	Sufficient bool                `json:"sufficient"`
	Queries    []model.SearchQuery `json:"queries"`
}

// historyWindow is how many recent messages frame the decide prompt.
const historyWindow = 5

func buildDecidePrompt(msg model.Message, history []model.Message) string {
	var b strings.Builder

	if len(history) > 0 {
		recent := history
		if len(recent) > historyWindow {
			recent = recent[len(recent)-historyWindow:]
		}
		b.WriteString("Recent conversation history (oldest first):\n")
		for _, h := range recent {
			fmt.Fprintf(&b, "[%s] %s\n", h.AuthorKind, h.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Message the assistant must respond to:\n")
	b.WriteString(msg.Content)
	return b.String()
}

func buildEvaluatePrompt(msg model.Message, memoHits []model.MemoHit, messageHits []model.MessageHit) string {
	var b strings.Builder
	b.WriteString("Original message:\n")
	b.WriteString(msg.Content)
	b.WriteString("\n\nResults gathered so far:\n")
	b.WriteString(compactHits(memoHits, messageHits))
	return b.String()
}

// parseDecision strictly decodes a decide payload. Unknown fields, malformed
// queries, or "needs search" with an empty plan all count as failures; the
// caller applies the fail-open fallback.
func parseDecision(raw json.RawMessage) (decision, error) {
	var d decision
	if err := decodeStrict(raw, &d); err != nil {
		return decision{}, err
	}
	queries, err := validQueries(d.Queries)
	if err != nil {
		return decision{}, err
	}
	if d.NeedsSearch && len(queries) == 0 {
		return decision{}, fmt.Errorf("research: decide wants search but planned no queries")
	}
	d.Queries = queries
	return d, nil
}

// parseEvaluation strictly decodes an evaluate payload. An insufficient
// verdict with no follow-up queries is normalized to sufficient: there is
// nothing actionable left to run.
func parseEvaluation(raw json.RawMessage) (evaluation, error) {
	var e evaluation
	if err := decodeStrict(raw, &e); err != nil {
		return evaluation{}, err
	}
	queries, err := validQueries(e.Queries)
	if err != nil {
		return evaluation{}, err
	}
	if !e.Sufficient && len(queries) == 0 {
		e.Sufficient = true
	}
	e.Queries = queries
	return e, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("research: decode model payload: %w", err)
	}
	return nil
}

func validQueries(queries []model.SearchQuery) ([]model.SearchQuery, error) {
	if len(queries) > maxQueriesPerRound {
		queries = queries[:maxQueriesPerRound]
	}
	for _, q := range queries {
		if !q.Valid() {
			return nil, fmt.Errorf("research: invalid query target=%q mode=%q", q.Target, q.Mode)
		}
	}
	return queries, nil
}
