package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AccessKind tags the active variant of an AccessSpec.
type AccessKind string

const (
	// AccessFullUser grants everything a single user can see.
	AccessFullUser AccessKind = "full_user"
	// AccessPublicOnly grants public content only.
	AccessPublicOnly AccessKind = "public_only"
	// AccessPublicPlusConversation grants public content plus one named
	// conversation and its sub-threads.
	AccessPublicPlusConversation AccessKind = "public_plus_conversation"
	// AccessUserUnion grants the union of several users' individual access.
	AccessUserUnion AccessKind = "user_union"
)

// AccessSpec is the declarative search boundary computed for one invocation.
// Exactly one variant is active, indicated by Kind; only that variant's
// fields are meaningful. Construct with the NewAccess* helpers so the
// invariant holds. Consumers must switch on Kind and treat any unknown kind
// as public-only.
type AccessSpec struct {
	Kind AccessKind `json:"kind"`
	// UserID is set for AccessFullUser.
	UserID uuid.UUID `json:"user_id,omitzero"`
	// ConversationID is set for AccessPublicPlusConversation.
	ConversationID uuid.UUID `json:"conversation_id,omitzero"`
	// UserIDs is set for AccessUserUnion.
	UserIDs []uuid.UUID `json:"user_ids,omitempty"`
}

// NewFullUserAccess grants everything userID can see.
func NewFullUserAccess(userID uuid.UUID) AccessSpec {
	return AccessSpec{Kind: AccessFullUser, UserID: userID}
}

// NewPublicOnlyAccess grants public content only.
func NewPublicOnlyAccess() AccessSpec {
	return AccessSpec{Kind: AccessPublicOnly}
}

// NewPublicPlusConversationAccess grants public content plus one conversation
// and its sub-threads.
func NewPublicPlusConversationAccess(conversationID uuid.UUID) AccessSpec {
	return AccessSpec{Kind: AccessPublicPlusConversation, ConversationID: conversationID}
}

// NewUserUnionAccess grants the union of the given users' access.
func NewUserUnionAccess(userIDs []uuid.UUID) AccessSpec {
	return AccessSpec{Kind: AccessUserUnion, UserIDs: userIDs}
}

// Valid reports whether the spec is one of the four known variants with its
// variant fields populated.
func (s AccessSpec) Valid() bool {
	switch s.Kind {
	case AccessFullUser:
		return s.UserID != uuid.Nil
	case AccessPublicOnly:
		return true
	case AccessPublicPlusConversation:
		return s.ConversationID != uuid.Nil
	case AccessUserUnion:
		return len(s.UserIDs) > 0
	default:
		return false
	}
}

// UnmarshalJSON validates the kind tag on decode. Cache rows written by
// older builds with unknown kinds fail decode rather than silently widening
// the boundary.
func (s *AccessSpec) UnmarshalJSON(data []byte) error {
	type raw AccessSpec
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	decoded := AccessSpec(r)
	if !decoded.Valid() {
		return fmt.Errorf("model: invalid access spec kind %q", r.Kind)
	}
	*s = decoded
	return nil
}
