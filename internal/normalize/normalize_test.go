package normalize

import (
	"strings"
	"testing"
)

func TestContentPrefersHTML(t *testing.T) {
	got := Content("<p>rich</p>", "plain fallback")
	if !strings.Contains(got, "rich") {
		t.Errorf("content should contain HTML body: %q", got)
	}
	if strings.Contains(got, "plain fallback") {
		t.Errorf("content should not contain the plain alternative: %q", got)
	}
}

func TestContentPlainTextEscaped(t *testing.T) {
	got := Content("", "1 < 2 && 3 > 2\nsecond line")
	if strings.Contains(got, "1 < 2") {
		t.Errorf("raw angle brackets leaked: %q", got)
	}
	for _, want := range []string{"1 &lt; 2", "&amp;&amp;", "3 &gt; 2", "<br/>", "second line"} {
		if !strings.Contains(got, want) {
			t.Errorf("content %q should contain %q", got, want)
		}
	}
}

func TestContentEmpty(t *testing.T) {
	got := Content("", "")
	if got == "" {
		t.Fatal("content must never be empty")
	}
	if !strings.Contains(got, EmptyContent) {
		t.Errorf("content %q should contain the empty-state string", got)
	}
}

func TestContentWrapped(t *testing.T) {
	for _, got := range []string{
		Content("<p>x</p>", ""),
		Content("", "x"),
		Content("", ""),
	} {
		if !strings.HasPrefix(got, containerOpen) {
			t.Errorf("content should start with the container: %q", got)
		}
		if !strings.HasSuffix(got, "</div>") {
			t.Errorf("content should end with the container close: %q", got)
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"<p>simple</p>",
		"plain words",
		`<!DOCTYPE html><html xmlns="http://www.w3.org/1999/xhtml"><p>body</p></html>`,
		`visit https://example.com for details`,
		`<a href="https://example.com">already linked</a>`,
		`<a href="https://example.com" rel="nofollow">policy output</a>`,
		`<p>spaced   out</p>   <p>tags</p>`,
		`<img src="https://t.example/p.gif" width="1" height="1">pixel<img src="https://ok.example/logo.png" width="100" height="50">`,
	}

	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q:\n once: %q\ntwice: %q", in, once, twice)
		}
	}
}

func TestSanitizeStripsPreamble(t *testing.T) {
	in := `<?xml version="1.0"?><!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.0"><div xmlns:v="urn:schemas">ok</div>`
	got := Sanitize(in)
	for _, banned := range []string{"DOCTYPE", "<?xml", "xmlns"} {
		if strings.Contains(got, banned) {
			t.Errorf("sanitized output still contains %q: %q", banned, got)
		}
	}
	if !strings.Contains(got, ">ok<") {
		t.Errorf("content lost: %q", got)
	}
}

func TestSanitizeRemovesTrackingPixels(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"width first", `<img src="https://t.example/p" width="1" height="1">`},
		{"height first", `<img src="https://t.example/p" height="1" width="1">`},
		{"unquoted", `<img src="https://t.example/p" width=1 height=1>`},
		{"self closing", `<img src="https://t.example/p" width="1" height="1"/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize("before" + tt.in + "after")
			if strings.Contains(got, "<img") {
				t.Errorf("tracking pixel survived: %q", got)
			}
		})
	}
}

func TestSanitizeKeepsRealImages(t *testing.T) {
	in := `<img src="https://cdn.example/logo.png" width="120" height="40">`
	got := Sanitize(in)
	if !strings.Contains(got, "<img") {
		t.Errorf("legitimate image removed: %q", got)
	}

	// A 1x10 image is not a tracking pixel.
	in = `<img src="https://cdn.example/rule.png" width="1" height="10">`
	if got := Sanitize(in); !strings.Contains(got, "<img") {
		t.Errorf("1x10 image removed: %q", got)
	}
}

func TestSanitizeIgnoresDimensionsInsideSrcURL(t *testing.T) {
	// width/height query parameters in the src URL are not tag attributes.
	in := `<img src="https://cdn.example/i?width=1&height=1" width="600" height="400">`
	if got := Sanitize(in); !strings.Contains(got, "<img") {
		t.Errorf("image with pixel-sized URL params removed: %q", got)
	}

	in = `<img src="https://cdn.example/i?width=1&height=1">`
	if got := Sanitize(in); !strings.Contains(got, "<img") {
		t.Errorf("image without dimension attributes removed: %q", got)
	}

	// Real attributes alongside such a URL still count.
	in = `<img src="https://t.example/p?width=600" width="1" height="1">`
	if got := Sanitize(in); strings.Contains(got, "<img") {
		t.Errorf("tracking pixel survived: %q", got)
	}
}

func TestSanitizeLinksBareURLs(t *testing.T) {
	got := Sanitize("see https://example.com/page for more")
	if !strings.Contains(got, `<a href="https://example.com/page" target="_blank" rel="noopener noreferrer">https://example.com/page</a>`) {
		t.Errorf("bare URL not linked: %q", got)
	}
}

func TestSanitizeDoesNotRelinkAnchors(t *testing.T) {
	got := Sanitize(`<a href="https://example.com">https://example.com</a>`)
	if n := strings.Count(got, "<a"); n != 1 {
		t.Errorf("got %d anchors, want 1: %q", n, got)
	}
}

func TestSanitizeIsolatesExistingAnchors(t *testing.T) {
	got := Sanitize(`<a href="https://example.com">link</a>`)
	if !strings.Contains(got, `target="_blank"`) {
		t.Errorf("anchor missing target: %q", got)
	}
	if !strings.Contains(got, `rel="noopener noreferrer"`) {
		t.Errorf("anchor missing rel: %q", got)
	}

	// An anchor that already names a target keeps it.
	got = Sanitize(`<a href="https://example.com" target="_top">link</a>`)
	if !strings.Contains(got, `target="_top"`) {
		t.Errorf("existing target clobbered: %q", got)
	}
	if strings.Contains(got, `target="_blank"`) {
		t.Errorf("second target added: %q", got)
	}
}

func TestSanitizeExtendsExistingRel(t *testing.T) {
	// The sanitizer policy emits rel="nofollow"; isolation must extend that
	// value rather than add a second rel attribute.
	got := Sanitize(`<a href="https://example.com" rel="nofollow">link</a>`)
	if n := strings.Count(got, "rel="); n != 1 {
		t.Fatalf("got %d rel attributes, want 1: %q", n, got)
	}
	if !strings.Contains(got, `rel="nofollow noopener noreferrer"`) {
		t.Errorf("rel not extended: %q", got)
	}
	if !strings.Contains(got, `target="_blank"`) {
		t.Errorf("anchor missing target: %q", got)
	}

	// A rel that already isolates is left alone.
	got = Sanitize(`<a href="https://example.com" rel="noopener noreferrer">link</a>`)
	if !strings.Contains(got, `rel="noopener noreferrer"`) || strings.Count(got, "noopener") != 1 {
		t.Errorf("rel mangled: %q", got)
	}
}

func TestContentMergesSanitizerRel(t *testing.T) {
	// End to end through Clean: the UGC policy's nofollow and the isolation
	// attributes land in one rel.
	got := Content(`<p><a href="https://example.com">link</a></p>`, "")
	if n := strings.Count(got, "rel="); n != 1 {
		t.Errorf("got %d rel attributes, want 1: %q", n, got)
	}
}

func TestSanitizeCollapsesWhitespace(t *testing.T) {
	got := Sanitize("<p>a    b</p>\n\n   <p>c</p>")
	if strings.Contains(got, "  ") {
		t.Errorf("whitespace run survived: %q", got)
	}
	if !strings.Contains(got, "</p><p>") {
		t.Errorf("inter-tag whitespace survived: %q", got)
	}
}

func TestCleanStripsScripts(t *testing.T) {
	got := Clean(`<p>ok</p><script>alert(1)</script><img src="javascript:bad">`)
	if strings.Contains(got, "script") || strings.Contains(got, "javascript:") {
		t.Errorf("unsafe markup survived: %q", got)
	}
	if !strings.Contains(got, "<p>ok</p>") {
		t.Errorf("safe markup lost: %q", got)
	}
}

func TestContentSanitizeIdempotentOnOutput(t *testing.T) {
	// The full pipeline output must be a fixed point of Sanitize.
	out := Content(`<p>body https://example.com <img width="1" height="1" src="https://t.example/p"></p>`, "")
	if again := Sanitize(out); again != out {
		t.Errorf("pipeline output not a Sanitize fixed point:\n out: %q\nagain: %q", out, again)
	}
}
