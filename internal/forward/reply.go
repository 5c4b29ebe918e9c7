// ABOUTME: Extracts plain reply text from arbitrary AI backend payloads
// ABOUTME: Strips markup from responses that arrive as HTML documents

package forward

import (
	"strings"

	"golang.org/x/net/html"
)

// candidateKeys are the reply-bearing fields checked in priority order.
// Backends differ on where they put the answer; "response" is the primary
// key, the rest are common variants.
var candidateKeys = []string{"response", "output", "reply", "message", "answer", "text", "content"}

// ExtractReplyText pulls a plain-text reply out of an AI backend payload.
// Strings are trimmed, arrays are joined element-wise with newlines, and
// objects are searched by candidate key, recursing into nested values.
// Returns empty if no candidate field yields non-empty text.
func ExtractReplyText(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""

	case string:
		return strings.TrimSpace(v)

	case float64:
		// JSON numbers are not replies
		return ""

	case bool:
		return ""

	case []any:
		var parts []string
		for _, entry := range v {
			if text := ExtractReplyText(entry); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")

	case map[string]any:
		for _, key := range candidateKeys {
			nested, ok := v[key]
			if !ok {
				continue
			}
			if text := ExtractReplyText(nested); text != "" {
				return text
			}
		}
		return ""
	}

	return ""
}

// looksLikeMarkup reports whether a string payload is structurally an
// HTML document rather than a plain reply.
func looksLikeMarkup(s string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(trimmed, "<!doctype") {
		return true
	}
	for _, tag := range []string{"<html", "<head", "<body"} {
		if strings.Contains(trimmed, tag) {
			return true
		}
	}
	return false
}

// stripMarkup reduces an HTML document to its visible text. Script and
// style content is dropped; remaining text is whitespace-collapsed.
func stripMarkup(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))

	var parts []string
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(parts, " ")

		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			if fields := strings.Fields(string(tokenizer.Text())); len(fields) > 0 {
				parts = append(parts, strings.Join(fields, " "))
			}
		}
	}
}
