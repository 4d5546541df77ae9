// Package ingest turns raw provider messages into normalized email records:
// it walks the MIME part tree, normalizes the content into safe HTML, and
// materializes attachments into durable storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/loomsuite/mailroom/internal/blob"
	"github.com/loomsuite/mailroom/internal/mimetree"
	"github.com/loomsuite/mailroom/internal/normalize"
	"github.com/loomsuite/mailroom/internal/provider"
	"github.com/loomsuite/mailroom/internal/store"
)

// ErrNotConnected indicates the user has never connected a provider account.
// It is distinct from a revoked connection, which surfaces as
// token.ErrReconnectRequired.
var ErrNotConnected = errors.New("no active provider connection")

const (
	// DefaultPageSize is used when a list request does not specify one.
	DefaultPageSize = 25

	// MaxPageSize caps a single list request.
	MaxPageSize = 100

	// defaultConcurrency bounds the metadata and attachment fan-out.
	defaultConcurrency = 5
)

// MessageSummary is the lightweight list-view projection of a message.
type MessageSummary struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Subject  string `json:"subject"`
	From     string `json:"from"`
	Date     string `json:"date"`
	Snippet  string `json:"snippet"`
	Unread   bool   `json:"unread"`
}

// MessagePage is one page of message summaries plus the continuation token.
type MessagePage struct {
	Messages      []MessageSummary `json:"messages"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

// NormalizedEmail is the fully ingested form of one message: safe HTML
// content plus the materialized attachment manifest. It is built fresh on
// every fetch and never mutated afterwards.
type NormalizedEmail struct {
	ID          string                `json:"id"`
	ThreadID    string                `json:"thread_id"`
	Subject     string                `json:"subject"`
	From        string                `json:"from"`
	To          string                `json:"to"`
	Date        string                `json:"date"`
	Content     string                `json:"content"`
	Attachments []mimetree.Attachment `json:"attachments"`
	Unread      bool                  `json:"unread"`
}

// ConnectionSource is the slice of the persistence layer the orchestrator
// needs to resolve a caller to a provider connection.
type ConnectionSource interface {
	ActiveForUser(userID string) (*store.Connection, error)
	LatestForUser(userID string) (*store.Connection, error)
}

// Service orchestrates the ingestion pipeline for one provider account per
// call. It is safe for concurrent use.
type Service struct {
	api         provider.API
	conns       ConnectionSource
	blobs       blob.ObjectStore
	logger      *slog.Logger
	concurrency int
	now         func() int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithConcurrency bounds the per-request fan-out for metadata fetches and
// attachment materialization.
func WithConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewService wires the orchestrator to a provider API, the connection store,
// and the attachment blob store.
func NewService(api provider.API, conns ConnectionSource, blobs blob.ObjectStore, opts ...ServiceOption) *Service {
	s := &Service{
		api:         api,
		conns:       conns,
		blobs:       blobs,
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
		now:         monotonicNow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// connection resolves the caller's active provider connection.
// A user with no connection history gets ErrNotConnected; a user whose
// latest connection was deactivated gets ErrReconnectRequired via the
// token manager when the call is attempted, but is distinguished here
// already so handlers can fail fast.
func (s *Service) connection(userID string) (*store.Connection, error) {
	conn, err := s.conns.ActiveForUser(userID)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve connection: %w", err)
	}

	// Distinguish "never connected" from "connected but revoked".
	if latest, lerr := s.conns.LatestForUser(userID); lerr == nil && !latest.IsActive {
		return latest, nil
	}
	return nil, ErrNotConnected
}

// ListMessages returns one page of message summaries for the user's mailbox.
// Metadata for the page's messages is fetched concurrently; the returned
// order always follows the provider's identifier order.
func (s *Service) ListMessages(ctx context.Context, userID string, pageSize int, pageToken string) (*MessagePage, error) {
	conn, err := s.connection(userID)
	if err != nil {
		return nil, err
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	list, err := s.api.ListMessages(ctx, conn, pageSize, pageToken)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	summaries := make([]MessageSummary, len(list.Messages))
	sem := make(chan struct{}, s.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, ref := range list.Messages {
		i, ref := i, ref

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			msg, err := s.api.GetMessageMeta(gctx, conn, ref.ID)
			if err != nil {
				return fmt.Errorf("message %s metadata: %w", ref.ID, err)
			}

			summaries[i] = MessageSummary{
				ID:       msg.ID,
				ThreadID: msg.ThreadID,
				Subject:  msg.Header("Subject"),
				From:     msg.Header("From"),
				Date:     msg.Header("Date"),
				Snippet:  msg.Snippet,
				Unread:   msg.Unread(),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &MessagePage{
		Messages:      summaries,
		NextPageToken: list.NextPageToken,
	}, nil
}

// GetMessage fetches one message in full and runs it through the whole
// pipeline: part tree walk, content normalization, and attachment
// materialization. Attachment failures never fail the call; a provider
// failure fetching the message itself does.
func (s *Service) GetMessage(ctx context.Context, userID, messageID string) (*NormalizedEmail, error) {
	conn, err := s.connection(userID)
	if err != nil {
		return nil, err
	}

	msg, err := s.api.GetMessage(ctx, conn, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}

	walked := mimetree.Walk(msg.Payload)
	if walked.DecodeFallbacks > 0 {
		s.logger.Debug("decode fallbacks while walking message",
			"message_id", messageID, "count", walked.DecodeFallbacks)
	}

	attachments := s.materializeAll(ctx, conn, userID, messageID, walked.Attachments)

	return &NormalizedEmail{
		ID:          msg.ID,
		ThreadID:    msg.ThreadID,
		Subject:     msg.Header("Subject"),
		From:        msg.Header("From"),
		To:          msg.Header("To"),
		Date:        msg.Header("Date"),
		Content:     normalize.Content(walked.HTML, walked.Text),
		Attachments: attachments,
		Unread:      msg.Unread(),
	}, nil
}

// ListEvents returns upcoming calendar events through the shared token
// lifecycle.
func (s *Service) ListEvents(ctx context.Context, userID string, maxResults int) ([]provider.Event, error) {
	conn, err := s.connection(userID)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = DefaultPageSize
	}

	events, err := s.api.ListEvents(ctx, conn, maxResults)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
