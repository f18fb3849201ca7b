// Package history persists the conversation log: one immutable row per chat
// turn, partitioned per channel, queried only as "latest K turns for a
// channel". Retrieval applies a token-estimate budget so the slice handed to
// the generation provider stays bounded.
//
// The store is deliberately optional. When no database is configured every
// write is a no-op and every read returns empty context — the bot keeps
// answering, it just has no memory.
package history

import "time"

// Turn is one stored unit of dialogue, user or bot. Turns are append-only;
// a persisted turn is never mutated.
type Turn struct {
	ID         string    // opaque unique identifier
	ChannelID  string    // scoping key; history never crosses channels
	GuildID    string    // server the channel belongs to, or "DM"
	AuthorID   string    // who produced the turn
	AuthorName string    // display name at the time of the turn
	IsBot      bool      // true for the bot's own replies
	Content    string    // raw text
	TokenCount int       // estimate computed at append time, never recomputed
	IsCommand  bool      // explicit command invocation vs. passive chat
	CreatedAt  time.Time // insertion timestamp; ordering authority per channel
}

// EstimateTokens approximates the token cost of a piece of text at ~4
// characters per token. Intentionally crude: the stored estimate only has to
// be deterministic and monotone in length, not accurate.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
