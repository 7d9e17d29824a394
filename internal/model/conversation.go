// Package model defines the domain types shared across the recall engine:
// conversations, messages, memos, access boundaries, search queries, and
// research results.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationType classifies an addressable stream of messages.
type ConversationType string

const (
	// ConversationChannel is a named group conversation.
	ConversationChannel ConversationType = "channel"
	// ConversationThread is a sub-conversation rooted in another conversation.
	ConversationThread ConversationType = "thread"
	// ConversationDM is a direct-message conversation between a fixed set of users.
	ConversationDM ConversationType = "dm"
	// ConversationNotebook is a single-user personal notebook.
	ConversationNotebook ConversationType = "notebook"
)

// Visibility controls who may read a conversation's content.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Conversation is an addressable stream of messages within a workspace.
type Conversation struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Type        ConversationType
	Visibility  Visibility
	DisplayName string
	// RootID is set for threads and points at the conversation the thread
	// was started from. Nil for all other types.
	RootID *uuid.UUID
	// OwnerID is set for personal notebooks. Nil for all other types.
	OwnerID   *uuid.UUID
	CreatedAt time.Time
}

// AuthorKind distinguishes human users from assistant personas.
type AuthorKind string

const (
	AuthorUser    AuthorKind = "user"
	AuthorPersona AuthorKind = "persona"
)

// Message is a single message in a conversation.
type Message struct {
	ID             uuid.UUID
	WorkspaceID    uuid.UUID
	ConversationID uuid.UUID
	AuthorID       uuid.UUID
	AuthorKind     AuthorKind
	Content        string
	CreatedAt      time.Time
}

// Memo is a durable knowledge artifact distilled from past conversations.
type Memo struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	// ConversationID is the conversation the memo was distilled from.
	ConversationID uuid.UUID
	Title          string
	Abstract       string
	KeyPoints      []string
	CreatedAt      time.Time
}

// User is a human workspace member, as seen by the enrichment step.
type User struct {
	ID          uuid.UUID
	DisplayName string
}

// Persona is an assistant identity, as seen by the enrichment step.
type Persona struct {
	ID          uuid.UUID
	DisplayName string
}
