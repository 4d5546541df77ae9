package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomsuite/mailroom/internal/blob"
	"github.com/loomsuite/mailroom/internal/codec"
	"github.com/loomsuite/mailroom/internal/mimetree"
	"github.com/loomsuite/mailroom/internal/store"
)

// lastStamp backs monotonicNow. Storage keys embed the stamp so repeated
// materializations of the same attachment never overwrite each other, which
// requires it to be strictly increasing even within one nanosecond tick.
var lastStamp atomic.Int64

func monotonicNow() int64 {
	for {
		prev := lastStamp.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if lastStamp.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// sanitizeFilename replaces every character outside [A-Za-z0-9._-] with an
// underscore so the storage key stays portable.
func sanitizeFilename(name string) string {
	if name == "" {
		return "attachment"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// storageKey builds the collision-resistant object key for one attachment.
func (s *Service) storageKey(userID, messageID, filename string) string {
	return fmt.Sprintf("%s/%s/%d_%s", userID, messageID, s.now(), sanitizeFilename(filename))
}

// materializeAll uploads every attachment concurrently and fills in signed
// download URLs. Failures are per-attachment: a descriptor whose
// materialization fails keeps its place in the manifest without a URL, so
// the caller always sees the full attachment list.
func (s *Service) materializeAll(ctx context.Context, conn *store.Connection, userID, messageID string, attachments []mimetree.Attachment) []mimetree.Attachment {
	if len(attachments) == 0 {
		return attachments
	}

	results := make([]mimetree.Attachment, len(attachments))
	sem := make(chan struct{}, s.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, att := range attachments {
		i, att := i, att

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				results[i] = att
				return nil
			}

			url, err := s.materialize(gctx, conn, userID, messageID, att)
			if err != nil {
				s.logger.Warn("attachment materialization failed",
					"message_id", messageID, "filename", att.Filename, "error", err)
				results[i] = att
				return nil
			}

			att.DownloadURL = url
			results[i] = att
			return nil
		})
	}

	// Workers never return errors, only context cancellation could.
	_ = g.Wait()
	return results
}

// materialize runs the fetch, decode, upload, sign sequence for one
// attachment and returns the signed download URL. The URL is issued only
// after the upload succeeds, so a descriptor never references an object
// that was not stored.
func (s *Service) materialize(ctx context.Context, conn *store.Connection, userID, messageID string, att mimetree.Attachment) (string, error) {
	body, err := s.api.GetAttachment(ctx, conn, messageID, att.AttachmentID)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}

	data, err := codec.DecodeBase64URL(body.Data)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	key := s.storageKey(userID, messageID, att.Filename)
	if err := s.blobs.Put(ctx, key, att.MimeType, data); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	url, err := s.blobs.SignedURL(ctx, key, blob.DefaultURLExpiry)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return url, nil
}
