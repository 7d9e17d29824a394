// Package access computes the declarative search boundary for one assistant
// invocation. The boundary is a property of the invoking conversation, not of
// the invoking user's ordinary permissions: an assistant answering in a
// public channel must not leak private content its invoker could read.
package access

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/strandhq/recall/internal/model"
)

// Directory is the read-only conversation lookup the resolver needs.
// *storage.DB satisfies it.
type Directory interface {
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	GetParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// Resolver computes access specs from invocation context.
type Resolver struct {
	dir    Directory
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(dir Directory, logger *slog.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve returns the access spec for an invocation in the given
// conversation. It never fails: missing or malformed data degrades to the
// most restrictive interpretation (public-only), and threads always resolve
// through their root conversation rather than themselves.
func (r *Resolver) Resolve(ctx context.Context, conv model.Conversation, invokingUserID uuid.UUID) model.AccessSpec {
	if conv.Type == model.ConversationThread {
		if conv.RootID == nil {
			r.logger.Warn("access: thread has no root, degrading to public-only", "conversation_id", conv.ID)
			return model.NewPublicOnlyAccess()
		}
		root, err := r.dir.GetConversation(ctx, *conv.RootID)
		if err != nil {
			r.logger.Warn("access: thread root missing, degrading to public-only",
				"conversation_id", conv.ID, "root_id", *conv.RootID, "error", err)
			return model.NewPublicOnlyAccess()
		}
		// One level only: a thread's root is never itself a thread.
		conv = root
	}

	switch conv.Type {
	case model.ConversationNotebook:
		if conv.Visibility == model.VisibilityPrivate {
			return model.NewFullUserAccess(invokingUserID)
		}
		return model.NewPublicOnlyAccess()

	case model.ConversationChannel:
		if conv.Visibility == model.VisibilityPrivate {
			return model.NewPublicPlusConversationAccess(conv.ID)
		}
		return model.NewPublicOnlyAccess()

	case model.ConversationDM:
		participants, err := r.dir.GetParticipantIDs(ctx, conv.ID)
		if err != nil || len(participants) == 0 {
			r.logger.Warn("access: dm participants unavailable, degrading to public-only",
				"conversation_id", conv.ID, "error", err)
			return model.NewPublicOnlyAccess()
		}
		return model.NewUserUnionAccess(participants)

	default:
		return model.NewPublicOnlyAccess()
	}
}
