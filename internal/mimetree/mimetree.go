// Package mimetree walks a provider message part tree, decoding content
// leaves and collecting attachment references.
package mimetree

import (
	"strings"

	"github.com/loomsuite/mailroom/internal/codec"
)

// MaxDepth bounds the part tree traversal. Provider trees are rarely more
// than a handful of levels deep; anything beyond this is treated as
// pathological and ignored.
const MaxDepth = 100

// PartBody is the body descriptor of a message part: either inline base64url
// data or a provider-side attachment reference with a declared size.
type PartBody struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Data         string `json:"data,omitempty"`
}

// Header is a single message or part header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Part is one node of a provider message payload tree. A part may nest
// further multipart parts to arbitrary depth.
type Part struct {
	PartID   string    `json:"partId,omitempty"`
	MimeType string    `json:"mimeType"`
	Filename string    `json:"filename,omitempty"`
	Headers  []Header  `json:"headers,omitempty"`
	Body     *PartBody `json:"body,omitempty"`
	Parts    []*Part   `json:"parts,omitempty"`
}

// HeaderValue returns the first header with the given name, matched
// case-insensitively, or empty.
func (p *Part) HeaderValue(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Attachment describes one attachment found during traversal. It is created
// as a reference only; DownloadURL is populated by materialization and stays
// empty when materialization fails, so the caller always sees the full
// attachment manifest.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"-"`
	DownloadURL  string `json:"download_url,omitempty"`
}

// Result accumulates the outcome of a tree walk.
type Result struct {
	HTML        string
	Text        string
	Attachments []Attachment

	// DecodeFallbacks counts content parts whose body could not be decoded
	// and was kept verbatim.
	DecodeFallbacks int
}

const defaultAttachmentType = "application/octet-stream"

// frame is one pending node in the explicit traversal stack.
type frame struct {
	part  *Part
	depth int
}

// Walk traverses the part tree rooted at payload in pre-order and returns
// the accumulated HTML content, plain-text content, and attachment list.
// Attachments appear in traversal order; that order is part of the public
// contract. The traversal uses an explicit stack with a depth guard so a
// malicious or malformed tree cannot recurse unboundedly.
func Walk(payload *Part) Result {
	var res Result
	if payload == nil {
		return res
	}

	var htmlAcc, textAcc strings.Builder

	stack := []frame{{part: payload, depth: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p := f.part
		if p == nil || f.depth > MaxDepth {
			continue
		}

		// A filename plus a provider body reference is always an attachment,
		// regardless of the declared MIME type. Attachments are leaves; do
		// not descend into them.
		if p.Filename != "" && p.Body != nil && p.Body.AttachmentID != "" {
			mimeType := baseMimeType(p.MimeType)
			if mimeType == "" {
				mimeType = defaultAttachmentType
			}
			res.Attachments = append(res.Attachments, Attachment{
				Filename:     p.Filename,
				MimeType:     mimeType,
				Size:         p.Body.Size,
				AttachmentID: p.Body.AttachmentID,
			})
			continue
		}

		if p.Body != nil && p.Body.Data != "" {
			switch baseMimeType(p.MimeType) {
			case "text/html":
				d := codec.DecodeBody(p.Body.Data)
				if d.Fallback {
					res.DecodeFallbacks++
				}
				htmlAcc.WriteString(d.Text)
			case "text/plain":
				d := codec.DecodeBody(p.Body.Data)
				if d.Fallback {
					res.DecodeFallbacks++
				}
				textAcc.WriteString(d.Text)
			}
			// Other inline types without a filename are neither content nor
			// attachments.
		}

		// Push children in reverse so they pop in document order.
		for i := len(p.Parts) - 1; i >= 0; i-- {
			stack = append(stack, frame{part: p.Parts[i], depth: f.depth + 1})
		}
	}

	res.HTML = htmlAcc.String()
	res.Text = textAcc.String()
	return res
}

// baseMimeType lowercases a MIME type and strips parameters, so
// "Text/HTML; charset=utf-8" compares as "text/html".
func baseMimeType(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(mt, ";"); idx >= 0 {
		mt = strings.TrimSpace(mt[:idx])
	}
	return mt
}
