package email

import (
	"strings"
	"testing"
)

func TestMarkdownToPlain(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "this is **important** text", "this is important text"},
		{"italic", "this is *emphasized* text", "this is emphasized text"},
		{"link", "see [the docs](https://example.com) here", "see the docs (https://example.com) here"},
		{"heading", "# Title\n\nbody", "Title\n\nbody"},
		{"inline code", "run `cortex serve` now", "run cortex serve now"},
		{"code block", "```go\nfmt.Println()\n```", "fmt.Println()"},
	}
	for _, tc := range cases {
		if got := markdownToPlain(tc.in); got != tc.want {
			t.Errorf("%s: markdownToPlain(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := markdownToHTML("**bold** and a [link](https://example.com)")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("html = %q", html)
	}
	if !strings.Contains(html, `href="https://example.com"`) {
		t.Errorf("html = %q", html)
	}
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("expected a full document wrapper")
	}
}

func TestComposeMessage(t *testing.T) {
	msg, err := composeMessage(composeOptions{
		From:      "Cortex <cortex@example.com>",
		To:        "dana@example.com",
		Subject:   "Re: server status",
		Body:      "All **good** here.",
		InReplyTo: "<original-123@example.com>",
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	raw := string(msg)
	lower := strings.ToLower(raw)
	for _, want := range []string{
		"cortex@example.com",
		"dana@example.com",
		"subject: re: server status",
		"in-reply-to: <original-123@example.com>",
		"references: <original-123@example.com>",
		"message-id:",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(lower, want) {
			t.Errorf("message missing %q:\n%s", want, raw)
		}
	}
	if strings.Contains(lower, "<<") {
		t.Error("message id double-bracketed")
	}
	if !strings.Contains(raw, "All good here.") {
		t.Error("plain part missing stripped markdown body")
	}
	if !strings.Contains(raw, "<strong>good</strong>") {
		t.Error("html part missing rendered markdown body")
	}
}

func TestComposeMessageBadAddress(t *testing.T) {
	_, err := composeMessage(composeOptions{
		From: "not an address", To: "dana@example.com", Subject: "x", Body: "y",
	})
	if err == nil {
		t.Error("expected parse error for malformed from address")
	}
}

func TestExtractAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Dana <dana@example.com>", "dana@example.com"},
		{"dana@example.com", "dana@example.com"},
		{"\"Dana Z\" <dana@example.com>", "dana@example.com"},
	}
	for _, tc := range cases {
		if got := extractAddress(tc.in); got != tc.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
