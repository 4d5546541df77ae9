package codec

import (
	"encoding/base64"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDecodeBase64URLRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"a",
		"abc",
		"hello world",
		"binary\x00\x01\x02data",
		strings.Repeat("x", 1000),
	}

	for _, in := range inputs {
		encoded := base64.RawURLEncoding.EncodeToString([]byte(in))
		got, err := DecodeBase64URL(encoded)
		if err != nil {
			t.Fatalf("DecodeBase64URL(%q): %v", encoded, err)
		}
		if string(got) != in {
			t.Errorf("round trip: got %q, want %q", got, in)
		}
	}
}

func TestDecodeBase64URLPadding(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unpadded", "aGVsbG8", "hello"},
		{"padded", "aGVsbG8=", "hello"},
		{"no padding needed", "aGVsbG8h", "hello!"},
		{"urlsafe chars", base64.RawURLEncoding.EncodeToString([]byte{0xfb, 0xff}), "\xfb\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64URL(tt.input)
			if err != nil {
				t.Fatalf("DecodeBase64URL(%q): %v", tt.input, err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeQuotedPrintable(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "nothing to decode here", "nothing to decode here"},
		{"hex escape", "caf=C3=A9", "café"},
		{"encoded equals", "a =3D b", "a = b"},
		{"encoded space", "word=20word", "word word"},
		{"soft break lf", "long li=\nne", "long line"},
		{"soft break crlf", "long li=\r\nne", "long line"},
		{"mixed", "x=3Dy=20and=\r\nmore", "x=y andmore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeQuotedPrintable(tt.input); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeQuotedPrintableIdempotent(t *testing.T) {
	// Decoded text with no remaining =XX escapes must not change on a
	// second pass.
	inputs := []string{
		"plain text",
		"café = coffee",
		"line one\nline two",
	}
	for _, in := range inputs {
		once := DecodeQuotedPrintable(in)
		twice := DecodeQuotedPrintable(once)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestDecodeBodyFallback(t *testing.T) {
	// Invalid base64 never errors; the original input comes back marked
	// as a fallback.
	in := "not!!valid&&base64"
	got := DecodeBody(in)
	if !got.Fallback {
		t.Error("expected fallback on invalid base64")
	}
	if got.Text != in {
		t.Errorf("fallback should return input unchanged: got %q", got.Text)
	}
}

func TestDecodeBodyPlain(t *testing.T) {
	encoded := base64.RawURLEncoding.EncodeToString([]byte("<p>Hello</p>"))
	got := DecodeBody(encoded)
	if got.Fallback {
		t.Error("unexpected fallback")
	}
	if got.Text != "<p>Hello</p>" {
		t.Errorf("got %q", got.Text)
	}
}

func TestDecodeBodyQuotedPrintable(t *testing.T) {
	// Base64 wrapping a quoted-printable body: both layers decode.
	encoded := base64.RawURLEncoding.EncodeToString([]byte("price =3D 10=20EUR"))
	got := DecodeBody(encoded)
	if got.Text != "price = 10 EUR" {
		t.Errorf("got %q", got.Text)
	}
}

func TestDecodeBodyQuotedPrintableMultibyte(t *testing.T) {
	// A UTF-8 code point split across two =XX escapes must reassemble into
	// the original bytes, not two mangled code points.
	encoded := base64.RawURLEncoding.EncodeToString([]byte("caf=C3=A9 au lait"))
	got := DecodeBody(encoded)
	if got.Text != "café au lait" {
		t.Errorf("got %q, want %q", got.Text, "café au lait")
	}
}

func TestDecodeBodyQuotedPrintableLatin1(t *testing.T) {
	// A single-byte latin-1 escape only becomes visible to charset repair
	// after quoted-printable expansion. The input is pure ASCII before
	// expansion, so repair running too early would leave a raw 0xE9 byte in
	// the output.
	encoded := base64.RawURLEncoding.EncodeToString([]byte("caf=E9 latte"))
	got := DecodeBody(encoded)
	if !utf8.ValidString(got.Text) {
		t.Errorf("result is not valid UTF-8: %q", got.Text)
	}
	if strings.Contains(got.Text, "=E9") {
		t.Errorf("escape not expanded: %q", got.Text)
	}
}

func TestDecodeBodySkipsQPWithoutMarkers(t *testing.T) {
	// An equals sign that is not part of an escape survives unchanged.
	encoded := base64.RawURLEncoding.EncodeToString([]byte("a = b and c = d"))
	got := DecodeBody(encoded)
	if got.Text != "a = b and c = d" {
		t.Errorf("got %q", got.Text)
	}
}

func TestEnsureUTF8(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"valid ascii", "hello"},
		{"valid multibyte", "héllo wörld 日本語"},
		{"latin1 bytes", "caf\xe9"},
		{"windows1252 smart quote", "it\x92s"},
		{"invalid sequence", "abc\xff\xfedef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EnsureUTF8(tt.input)
			if !utf8.ValidString(got) {
				t.Errorf("result is not valid UTF-8: %q", got)
			}
		})
	}

	// Valid input must come back byte-identical.
	if got := EnsureUTF8("héllo"); got != "héllo" {
		t.Errorf("valid UTF-8 modified: %q", got)
	}
}
