// Package normalize merges walked message content into a single renderable
// HTML string and sanitizes it.
package normalize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// EmptyContent is the explicit stand-in for messages with no displayable
// body. Content is never empty and never null.
const EmptyContent = "This message has no displayable content."

// containerOpen is the fixed outer wrapper. It carries a safe default font
// stack, line height and word-wrap behavior so normalized output renders
// consistently regardless of source formatting.
const containerOpen = `<div style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Helvetica, Arial, sans-serif; line-height: 1.5; word-wrap: break-word; overflow-wrap: break-word;">`

var policy *bluemonday.Policy

func init() {
	policy = bluemonday.UGCPolicy()

	// Additional safe elements commonly seen in provider email bodies.
	policy.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	policy.AllowElements("strong", "em", "u", "s", "code", "pre")
	policy.AllowElements("ul", "ol", "li")
	policy.AllowElements("blockquote")
	policy.AllowElements("a", "img")
	policy.AllowElements("table", "thead", "tbody", "tr", "th", "td")

	policy.AllowAttrs("href", "target", "rel").OnElements("a")
	policy.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	policy.AllowAttrs("class", "id").Globally()
	policy.AllowAttrs("style").OnElements("span", "div", "p", "td", "th")

	policy.RequireParseableURLs(true)
	policy.AllowURLSchemes("http", "https", "mailto")
}

// Clean strips unsafe markup with the HTML sanitizer policy. It runs once on
// the chosen content basis, before the structural sanitization steps.
func Clean(s string) string {
	return policy.Sanitize(s)
}

var (
	doctypeRe = regexp.MustCompile(`(?is)<!DOCTYPE[^>]*>`)
	xmlDeclRe = regexp.MustCompile(`(?is)<\?xml[^?]*\?>`)
	xmlnsRe   = regexp.MustCompile(`(?i)\s+xmlns(?::[a-z0-9]+)?\s*=\s*"[^"]*"`)
	imgTagRe  = regexp.MustCompile(`(?is)<img\b[^>]*>`)
	// Attribute matches require leading whitespace so width/height query
	// parameters inside a src URL are not mistaken for tag attributes.
	widthRe  = regexp.MustCompile(`(?i)\swidth\s*=\s*["']?(\d+)`)
	heightRe = regexp.MustCompile(`(?i)\sheight\s*=\s*["']?(\d+)`)
	anchorRe   = regexp.MustCompile(`(?i)<a\b[^>]*>`)
	wsRunRe    = regexp.MustCompile(`\s+`)
	betweenTag = regexp.MustCompile(`>\s+<`)

	// bareURLRe matches either a complete existing anchor (kept as-is) or a
	// bare URL preceded by start-of-string, whitespace, or a closing tag
	// bracket. Matching whole anchors first keeps already-linked URLs from
	// being wrapped twice.
	bareURLRe = regexp.MustCompile(`(?is)<a\b[^>]*>.*?</a>|(^|[\s>])(https?://[^\s<>"']+)`)
)

// Sanitize applies the structural sanitization steps to an HTML fragment:
// preamble and namespace stripping, tracking-pixel removal, bare-URL
// linking, anchor isolation, whitespace collapsing, and the outer container
// wrap. Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	s = doctypeRe.ReplaceAllString(s, "")
	s = xmlDeclRe.ReplaceAllString(s, "")
	s = xmlnsRe.ReplaceAllString(s, "")

	s = removeTrackingPixels(s)
	s = linkBareURLs(s)
	s = isolateAnchors(s)

	s = wsRunRe.ReplaceAllString(s, " ")
	s = betweenTag.ReplaceAllString(s, "><")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, containerOpen) {
		return s
	}
	return containerOpen + s + "</div>"
}

// removeTrackingPixels drops image elements whose declared width and height
// are both exactly 1 pixel, in either attribute order.
func removeTrackingPixels(s string) string {
	return imgTagRe.ReplaceAllStringFunc(s, func(tag string) string {
		w := widthRe.FindStringSubmatch(tag)
		h := heightRe.FindStringSubmatch(tag)
		if w != nil && h != nil && w[1] == "1" && h[1] == "1" {
			return ""
		}
		return tag
	})
}

// linkBareURLs wraps URLs not already inside an anchor in anchors that open
// in an isolated browsing context.
func linkBareURLs(s string) string {
	return bareURLRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(strings.ToLower(m), "<a") {
			return m
		}
		sub := bareURLRe.FindStringSubmatch(m)
		prefix, url := sub[1], sub[2]
		return prefix + `<a href="` + url + `" target="_blank" rel="noopener noreferrer">` + url + `</a>`
	})
}

// relAttrRe captures the value of an existing rel attribute on an anchor.
var relAttrRe = regexp.MustCompile(`(?i)\brel\s*=\s*"([^"]*)"`)

// isolateAnchors adds target and rel to anchors that do not already specify
// a browsing-context target. When the tag already carries a rel attribute
// (the sanitizer emits rel="nofollow") its value is extended in place, so a
// tag never ends up with two rel attributes.
func isolateAnchors(s string) string {
	return anchorRe.ReplaceAllStringFunc(s, func(tag string) string {
		if strings.Contains(strings.ToLower(tag), "target=") {
			return tag
		}
		if m := relAttrRe.FindStringSubmatchIndex(tag); m != nil {
			rel := tag[m[2]:m[3]]
			for _, v := range []string{"noopener", "noreferrer"} {
				if !strings.Contains(strings.ToLower(rel), v) {
					rel += " " + v
				}
			}
			tag = tag[:m[2]] + rel + tag[m[3]:]
			return tag[:len(tag)-1] + ` target="_blank">`
		}
		return tag[:len(tag)-1] + ` target="_blank" rel="noopener noreferrer">`
	})
}

var plainEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// FromPlainText converts a plain-text body into an HTML basis: entities
// escaped, line breaks as explicit markers.
func FromPlainText(text string) string {
	s := plainEscaper.Replace(text)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "<br/>")
}

// Content merges the walker's accumulated HTML and plain-text parts into the
// final renderable content string. HTML wins when present; plain text is
// escaped otherwise; both empty yields the explicit empty-state string.
func Content(html, text string) string {
	switch {
	case strings.TrimSpace(html) != "":
		return Sanitize(Clean(html))
	case strings.TrimSpace(text) != "":
		return Sanitize(Clean(FromPlainText(text)))
	default:
		return Sanitize(EmptyContent)
	}
}
