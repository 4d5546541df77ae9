package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loomsuite/mailroom/internal/store"
	"github.com/loomsuite/mailroom/internal/token"
)

const (
	defaultMailBaseURL     = "https://gmail.googleapis.com/gmail/v1"
	defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

	maxRetries = 4
	maxBackoff = 60 // seconds
)

// Client implements the provider API over HTTP.
type Client struct {
	tokens          *token.Manager
	rateLimiter     *RateLimiter
	logger          *slog.Logger
	mailBaseURL     string
	calendarBaseURL string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) { c.rateLimiter = rl }
}

// WithBaseURLs overrides the provider endpoints, mainly for tests.
func WithBaseURLs(mail, calendar string) ClientOption {
	return func(c *Client) {
		c.mailBaseURL = mail
		c.calendarBaseURL = calendar
	}
}

// NewClient creates a provider client whose calls are authenticated and
// auth-retried by the given token manager.
func NewClient(tokens *token.Manager, opts ...ClientOption) *Client {
	c := &Client{
		tokens:          tokens,
		logger:          slog.Default(),
		mailBaseURL:     defaultMailBaseURL,
		calendarBaseURL: defaultCalendarBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}
	return c
}

// request performs one provider API call with rate limiting and backoff for
// quota and server errors. Auth failures are not retried here: the token
// manager already performed its single refresh-and-retry, so a 401 escaping
// it is a permanent failure for this call.
func (c *Client) request(ctx context.Context, conn *store.Connection, op Operation, method, reqURL string) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "url", reqURL)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.tokens.Do(ctx, conn, func(string) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, method, reqURL, nil)
		})
		if err != nil {
			if errors.Is(err, token.ErrReconnectRequired) {
				return nil, err
			}
			lastErr = err
			continue // Retry on network and transient refresh errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off", "url", reqURL, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case http.StatusForbidden:
			if isQuotaError(respBody) {
				c.logger.Debug("quota exceeded, backing off", "url", reqURL, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			return nil, fmt.Errorf("forbidden (403): %s", respBody)

		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case http.StatusUnauthorized:
			// The token manager's refreshed retry also failed.
			return nil, fmt.Errorf("unauthorized (401) after token refresh")

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: reqURL}

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, respBody)
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the backoff duration for a retry attempt, using
// exponential backoff with full jitter.
func calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// isQuotaError checks whether a 403 response is quota exhaustion rather
// than a real permission error.
func isQuotaError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

// GetProfile returns the connected account's profile.
func (c *Client) GetProfile(ctx context.Context, conn *store.Connection) (*Profile, error) {
	reqURL := c.mailBaseURL + "/users/me/profile"
	data, err := c.request(ctx, conn, OpProfile, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

// ListMessages returns one page of message references.
func (c *Client) ListMessages(ctx context.Context, conn *store.Connection, pageSize int, pageToken string) (*MessageList, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(pageSize))
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	reqURL := c.mailBaseURL + "/users/me/messages?" + params.Encode()
	data, err := c.request(ctx, conn, OpMessagesList, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var list MessageList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse message list: %w", err)
	}
	return &list, nil
}

// GetMessageMeta fetches header and label metadata for one message.
func (c *Client) GetMessageMeta(ctx context.Context, conn *store.Connection, messageID string) (*Message, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	for _, h := range []string{"Subject", "From", "To", "Date"} {
		params.Add("metadataHeaders", h)
	}

	reqURL := fmt.Sprintf("%s/users/me/messages/%s?%s", c.mailBaseURL, messageID, params.Encode())
	data, err := c.request(ctx, conn, OpMessagesGetMeta, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message metadata: %w", err)
	}
	return &msg, nil
}

// GetMessage fetches a full message including the payload part tree.
func (c *Client) GetMessage(ctx context.Context, conn *store.Connection, messageID string) (*Message, error) {
	reqURL := fmt.Sprintf("%s/users/me/messages/%s?format=full", c.mailBaseURL, messageID)
	data, err := c.request(ctx, conn, OpMessagesGet, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}

// GetAttachment fetches an attachment body by its provider reference id.
func (c *Client) GetAttachment(ctx context.Context, conn *store.Connection, messageID, attachmentID string) (*AttachmentBody, error) {
	reqURL := fmt.Sprintf("%s/users/me/messages/%s/attachments/%s", c.mailBaseURL, messageID, attachmentID)
	data, err := c.request(ctx, conn, OpAttachmentsGet, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var body AttachmentBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse attachment: %w", err)
	}
	return &body, nil
}

// eventJSON is the wire shape of a calendar event.
type eventJSON struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
	Start   struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
}

type listEventsResponse struct {
	Items []eventJSON `json:"items"`
}

// ListEvents returns upcoming calendar events, exercising the same token
// lifecycle as mail calls.
func (c *Client) ListEvents(ctx context.Context, conn *store.Connection, maxResults int) ([]Event, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(maxResults))
	params.Set("singleEvents", "true")
	params.Set("orderBy", "startTime")
	params.Set("timeMin", time.Now().UTC().Format(time.RFC3339))

	reqURL := c.calendarBaseURL + "/calendars/primary/events?" + params.Encode()
	data, err := c.request(ctx, conn, OpEventsList, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var resp listEventsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}

	events := make([]Event, len(resp.Items))
	for i, e := range resp.Items {
		start := e.Start.DateTime
		if start == "" {
			start = e.Start.Date
		}
		end := e.End.DateTime
		if end == "" {
			end = e.End.Date
		}
		events[i] = Event{
			ID:      e.ID,
			Summary: e.Summary,
			Start:   start,
			End:     end,
			Status:  e.Status,
		}
	}
	return events, nil
}

// Ensure Client implements the API interface.
var _ API = (*Client)(nil)
