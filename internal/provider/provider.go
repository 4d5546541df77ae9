// Package provider is the HTTP client for the mail/calendar provider API.
// Every call is authenticated through the token lifecycle manager, which
// owns the refresh-and-retry-once protocol; this package adds rate limiting
// and backoff for quota and server errors on top.
package provider

import (
	"context"
	"fmt"

	"github.com/loomsuite/mailroom/internal/mimetree"
	"github.com/loomsuite/mailroom/internal/store"
)

// Profile is the connected account's provider profile.
type Profile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
}

// MessageRef is a message reference from list operations.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// MessageList is one page of message references.
type MessageList struct {
	Messages      []MessageRef `json:"messages"`
	NextPageToken string       `json:"nextPageToken"`
}

// Message is a provider message. Metadata fetches populate the headers and
// labels; full fetches additionally carry the payload part tree.
type Message struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"threadId"`
	LabelIDs     []string       `json:"labelIds"`
	Snippet      string         `json:"snippet"`
	InternalDate string         `json:"internalDate"`
	Payload      *mimetree.Part `json:"payload"`
}

// Header returns the named top-level message header, or empty.
func (m *Message) Header(name string) string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.HeaderValue(name)
}

// Unread derives the unread flag from provider label state.
func (m *Message) Unread() bool {
	for _, l := range m.LabelIDs {
		if l == "UNREAD" {
			return true
		}
	}
	return false
}

// AttachmentBody is the provider's response to an attachment fetch: the
// declared size plus base64url data.
type AttachmentBody struct {
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// Event is a calendar event summary. Calendar CRUD is out of scope; events
// are read through the same token lifecycle as mail.
type Event struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Status  string `json:"status"`
}

// NotFoundError indicates a 404 response from the provider.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// API defines the provider operations the rest of the system depends on.
// The interface enables mocking in tests without hitting the real provider.
type API interface {
	// GetProfile returns the connected account's profile.
	GetProfile(ctx context.Context, conn *store.Connection) (*Profile, error)

	// ListMessages returns one page of message references.
	ListMessages(ctx context.Context, conn *store.Connection, pageSize int, pageToken string) (*MessageList, error)

	// GetMessageMeta fetches subject/from/date/label metadata for one message.
	GetMessageMeta(ctx context.Context, conn *store.Connection, messageID string) (*Message, error)

	// GetMessage fetches the full message including the payload part tree.
	GetMessage(ctx context.Context, conn *store.Connection, messageID string) (*Message, error)

	// GetAttachment fetches an attachment body by its provider reference.
	GetAttachment(ctx context.Context, conn *store.Connection, messageID, attachmentID string) (*AttachmentBody, error)

	// ListEvents returns upcoming calendar events for the connected account.
	ListEvents(ctx context.Context, conn *store.Connection, maxResults int) ([]Event, error)
}
