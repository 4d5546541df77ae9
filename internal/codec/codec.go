// Package codec decodes provider part bodies: URL-safe base64 and
// quoted-printable, with best-effort fallback on malformed input.
package codec

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
)

// Decoded is the result of a best-effort decode. Fallback is true when the
// input could not be decoded and Text carries the original input unchanged.
// The public content contract collapses the distinction, but callers can use
// Fallback to report decode failure rates.
type Decoded struct {
	Text     string
	Fallback bool
}

// DecodeBase64URL decodes a URL-safe base64 string, tolerating missing
// padding. Providers typically return unpadded base64url; padded input is
// validated as-is.
func DecodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// qpMarker matches telltale quoted-printable sequences: an =XX hex escape or
// a soft line break (= at end of line).
var qpMarker = regexp.MustCompile(`=(?:[0-9A-Fa-f]{2}|\r?\n)`)

// softBreak matches a quoted-printable soft line break.
var softBreak = regexp.MustCompile(`=\r?\n`)

// LooksQuotedPrintable reports whether s contains quoted-printable markers.
// Text without markers is passed through DecodeQuotedPrintable unchanged, so
// this is a cheap pre-check rather than a guarantee.
func LooksQuotedPrintable(s string) bool {
	return qpMarker.MatchString(s)
}

// DecodeQuotedPrintable expands =XX hex escapes and removes soft line breaks.
// Escapes expand to raw bytes, so multi-byte UTF-8 sequences split across
// several escapes reassemble correctly. Input without quoted-printable
// markers is returned unchanged, which also makes the function idempotent on
// already-decoded text.
func DecodeQuotedPrintable(s string) string {
	if !LooksQuotedPrintable(s) {
		return s
	}

	s = softBreak.ReplaceAllString(s, "")

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if s[i] == '=' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				out = append(out, byte(n))
				i += 3
				continue
			}
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

// DecodeBody decodes an inline part body: base64url first, then
// quoted-printable when the decoded text shows its markers, then charset
// repair. Charset repair runs last because the bytes needing repair are the
// ones the quoted-printable expansion assembles. Decode failures never
// propagate; the original input is returned with Fallback set and the
// caller treats the content as best-effort.
func DecodeBody(data string) Decoded {
	raw, err := DecodeBase64URL(data)
	if err != nil {
		return Decoded{Text: data, Fallback: true}
	}

	text := string(raw)
	if LooksQuotedPrintable(text) {
		text = DecodeQuotedPrintable(text)
	}
	return Decoded{Text: EnsureUTF8(text)}
}
