// Package commands turns classified gateway messages into bot actions: it
// decides whether a message triggers the bot at all, routes explicit commands
// to their handlers, and hands everything else to the chat pipeline.
package commands

import (
	"strings"

	"github.com/Reaper7531/gojo/internal/gojo/gateway"
)

// Trigger is a message that addressed the bot, with the trigger syntax
// stripped out.
type Trigger struct {
	// Text is the message content without the prefix, mention pill, or
	// reply-quote fallback.
	Text string

	// IsCommand is true for prefix invocations. Mentions and replies are
	// passive chat.
	IsCommand bool
}

// ParseTrigger decides whether a message addressed the bot. Precedence:
// prefix first, then mention, then reply-to-bot. A message that matches none
// is not for us.
func ParseTrigger(msg gateway.Message, prefix, botUserID string) (Trigger, bool) {
	body := strings.TrimSpace(msg.Body)

	if prefix != "" && strings.HasPrefix(body, prefix) {
		rest := strings.TrimSpace(strings.TrimPrefix(body, prefix))
		return Trigger{Text: rest, IsCommand: true}, true
	}

	if msg.MentionsBot {
		return Trigger{Text: stripMentionPill(body, botUserID)}, true
	}

	if msg.ReplyToBot {
		return Trigger{Text: stripReplyFallback(body)}, true
	}

	return Trigger{}, false
}

// stripMentionPill removes the literal bot user ID (and a trailing colon
// from "@bot: hey" style clients) from the body.
func stripMentionPill(body, botUserID string) string {
	cleaned := strings.ReplaceAll(body, botUserID+":", "")
	cleaned = strings.ReplaceAll(cleaned, botUserID, "")
	return strings.TrimSpace(cleaned)
}

// stripReplyFallback drops the quoted-reply fallback lines ("> <@user> ...")
// that many clients prepend to rich replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	start := 0
	for start < len(lines) && strings.HasPrefix(lines[start], "> ") {
		start++
	}
	// The fallback block is separated from the actual reply by a blank line.
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	return strings.TrimSpace(strings.Join(lines[start:], "\n"))
}
