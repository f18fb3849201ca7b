package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/Reaper7531/gojo/common/trace"
	"github.com/Reaper7531/gojo/internal/gojo/gateway"
	"github.com/Reaper7531/gojo/internal/gojo/genai"
	"github.com/Reaper7531/gojo/internal/gojo/orchestrator"
	"github.com/Reaper7531/gojo/internal/gojo/search"
	"github.com/Reaper7531/gojo/internal/gojo/valorant"
)

// errorReply is the single user-visible line for any handler failure.
const errorReply = "⚠️ Something went wrong. My Six Eyes are glitching."

// muteDuration is how long a domain expansion or lost roulette round keeps
// its victim silenced.
const muteDuration = 10 * time.Second

// mutedPowerLevel sits below the usual events_default of 0, so a muted user
// cannot send events until the previous level is restored.
const mutedPowerLevel = -1

// Sender is the slice of the gateway used for outbound messages.
type Sender interface {
	ReplyToMessage(ctx context.Context, roomID, eventID, message string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// Moderator is the slice of the gateway used for room moderation and the
// deleted-message cache.
type Moderator interface {
	SetUserPowerLevel(ctx context.Context, roomID, userID string, level int) (previous int, err error)
	LastDeleted(roomID string) (gateway.DeletedMessage, bool)
}

// Chatter runs the persona chat pipeline.
type Chatter interface {
	HandleChat(ctx context.Context, msg orchestrator.InboundMessage) string
}

// Generator runs one-shot generation calls outside the chat pipeline; the
// search command uses it to summarize fetched snippets.
type Generator interface {
	Generate(ctx context.Context, userText string, historyMsgs []genai.Message, systemInstruction string) genai.Result
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// StatsLookup resolves player stats.
type StatsLookup interface {
	Lookup(ctx context.Context, name, tag string) (valorant.Profile, error)
}

// Config tunes the dispatcher.
type Config struct {
	// Prefix is the explicit command trigger, e.g. "~gojo".
	Prefix string

	// BotUserID is used to strip mention pills and for self-checks.
	BotUserID string
}

// Dispatcher routes triggered messages.
type Dispatcher struct {
	cfg      Config
	sender   Sender
	mod      Moderator
	chat     Chatter
	gen      Generator
	search   Searcher
	valorant StatsLookup
	logger   *slog.Logger

	// rng drives the roulette; afterFunc schedules mute restores. Both are
	// injectable for tests.
	rng       *rand.Rand
	afterFunc func(d time.Duration, f func())
}

// New assembles a Dispatcher. A nil logger falls back to the default.
func New(cfg Config, sender Sender, mod Moderator, chat Chatter, gen Generator, searcher Searcher, stats StatsLookup, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		mod:      mod,
		chat:     chat,
		gen:      gen,
		search:   searcher,
		valorant: stats,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// HandleMessage is the gateway handler: it filters for triggers, routes, and
// sends exactly one reply for every triggered message. Handler failures are
// logged and collapse into the generic error line.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg gateway.Message) {
	trig, ok := ParseTrigger(msg, d.cfg.Prefix, d.cfg.BotUserID)
	if !ok {
		return
	}

	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	// Best effort; a failed typing notification never blocks the reply.
	if err := d.sender.SetTyping(ctx, msg.RoomID, true, 30*time.Second); err != nil {
		d.logger.Debug("commands: set typing failed", "trace_id", traceID, "err", err)
	}
	defer d.sender.SetTyping(ctx, msg.RoomID, false, 0)

	reply := d.route(ctx, msg, trig)
	if reply == "" {
		return
	}

	if err := d.sender.ReplyToMessage(ctx, msg.RoomID, msg.EventID, reply); err != nil {
		d.logger.Error("commands: send reply failed",
			"trace_id", traceID, "room_id", msg.RoomID, "err", err)
	}
}

// route picks and runs a handler. Command words are matched on the first
// token; anything unmatched is persona chat.
func (d *Dispatcher) route(ctx context.Context, msg gateway.Message, trig Trigger) string {
	if !trig.IsCommand {
		return d.handleChat(ctx, msg, trig)
	}

	fields := strings.Fields(trig.Text)
	if len(fields) == 0 {
		return d.handleChat(ctx, msg, trig)
	}

	word := strings.ToLower(fields[0])
	args := fields[1:]

	// Two-word aliases collapse onto their canonical commands before the
	// switch, so "russian roulette" and friends don't fall through to chat.
	if len(args) > 0 {
		switch word + " " + strings.ToLower(args[0]) {
		case "russian roulette":
			word, args = "roulette", args[1:]
		case "six eyes":
			word, args = "sixeyes", args[1:]
		case "infinite void", "ryoiki tenkai":
			word, args = "domain", append([]string{"expansion"}, args[1:]...)
		}
	}

	var (
		reply string
		err   error
	)
	switch word {
	case "val", "valorant":
		reply, err = d.handleValorant(ctx, args)
	case "google", "search":
		reply, err = d.handleSearch(ctx, strings.Join(args, " "))
	case "sixeyes", "snipe":
		reply = d.handleSnipe(msg.RoomID)
	case "roulette":
		reply, err = d.handleRoulette(ctx, msg)
	case "domain":
		if len(args) > 0 && strings.ToLower(args[0]) == "expansion" {
			reply, err = d.handleDomainExpansion(ctx, msg, args[1:])
		} else {
			return d.handleChat(ctx, msg, trig)
		}
	case "help":
		reply = d.handleHelp()
	default:
		return d.handleChat(ctx, msg, trig)
	}

	if err != nil {
		d.logger.Error("commands: handler failed",
			"trace_id", trace.FromContext(ctx), "command", word, "err", err)
		return errorReply
	}
	return reply
}

// handleChat forwards to the persona pipeline.
func (d *Dispatcher) handleChat(ctx context.Context, msg gateway.Message, trig Trigger) string {
	if strings.TrimSpace(trig.Text) == "" {
		return "Yo. You called?"
	}
	// The room's homeserver stands in for a guild; it is the closest
	// grouping Matrix has.
	_, server, _ := strings.Cut(msg.RoomID, ":")

	return d.chat.HandleChat(ctx, orchestrator.InboundMessage{
		MessageID:  msg.EventID,
		ChannelID:  msg.RoomID,
		GuildID:    server,
		AuthorID:   msg.SenderID,
		AuthorName: msg.SenderName,
		Content:    trig.Text,
		IsCommand:  trig.IsCommand,
	})
}

// handleValorant resolves "name#tag" and formats the ranked standing.
func (d *Dispatcher) handleValorant(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: val <name>#<tag>", nil
	}

	riotID := strings.Join(args, " ")
	name, tag, found := strings.Cut(riotID, "#")
	if !found || name == "" || tag == "" {
		return "Usage: val <name>#<tag>", nil
	}

	profile, err := d.valorant.Lookup(ctx, name, tag)
	switch {
	case errors.Is(err, valorant.ErrNotConfigured):
		return "Valorant lookups aren't set up right now.", nil
	case errors.Is(err, valorant.ErrPlayerNotFound):
		return fmt.Sprintf("Couldn't find %s#%s. Check the Riot ID.", name, tag), nil
	case err != nil:
		return "", err
	}

	return formatProfile(profile), nil
}

// searchInstruction frames the one-shot summarization call. It replaces the
// full persona instruction: no memory of the channel, just the voice.
const searchInstruction = "You are Gojo Satoru. Respond confidently, with your usual cocky, playful, " +
	"and slightly arrogant attitude. Keep the final answer concise."

// searchSummaryFallback heads the reply when summarization fails; the raw
// source list still goes out.
const searchSummaryFallback = "Couldn't put a clean summary together, but here's what I found."

// handleSearch runs a web search, has the model synthesize the snippets into
// one answer, and replies with the summary plus the source list. A failed
// generation degrades to the plain list.
func (d *Dispatcher) handleSearch(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "Usage: google <query>", nil
	}

	results, err := d.search.Search(ctx, query, 3)
	switch {
	case errors.Is(err, search.ErrNotConfigured):
		return "Web search isn't set up right now.", nil
	case err != nil:
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("Nothing found for %q. Even my Six Eyes see nothing.", query), nil
	}

	summary := searchSummaryFallback
	if result := d.gen.Generate(ctx, summarizationPrompt(query, results), nil, searchInstruction); result.OK {
		summary = result.Text
	} else {
		d.logger.Warn("commands: search summarization failed, sending plain results",
			"trace_id", trace.FromContext(ctx), "query", query)
	}

	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n\n🔍 Sources I glanced at:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n", i+1, r.Title, r.Link)
	}
	return strings.TrimSpace(b.String()), nil
}

// summarizationPrompt aggregates the result snippets into a grounded
// one-shot prompt: the model answers from the snippets alone and must not
// cite sources by number.
func summarizationPrompt(query string, results []search.Result) string {
	var b strings.Builder
	b.WriteString("Answer the user's query using only the search results below. ")
	b.WriteString("Combine all sources into a single complete answer and do not mention the sources or \"[Source X]\".\n\n")
	fmt.Fprintf(&b, "User query: %q\n\nSearch results:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "[Source %d] %s\n%s\n\n", i+1, r.Title, r.Snippet)
	}
	b.WriteString("Now give the synthesized answer.")
	return b.String()
}

// handleSnipe reveals the most recently deleted message in the room.
func (d *Dispatcher) handleSnipe(roomID string) string {
	deleted, ok := d.mod.LastDeleted(roomID)
	if !ok {
		return "Nothing to snipe. Nobody's deleted anything I saw."
	}
	return fmt.Sprintf("👁️ %s tried to hide this:\n%s", deleted.SenderName, deleted.Body)
}

// handleRoulette gives the invoker a one-in-six chance of a short mute.
func (d *Dispatcher) handleRoulette(ctx context.Context, msg gateway.Message) (string, error) {
	if d.rng.Intn(6) != 0 {
		return fmt.Sprintf("🔫 Click. %s lives to spin another day.", msg.SenderName), nil
	}

	if err := d.muteFor(ctx, msg.RoomID, msg.SenderID, muteDuration); err != nil {
		return "", err
	}
	return fmt.Sprintf("🔫 BANG. %s is out for %d seconds.", msg.SenderName, int(muteDuration.Seconds())), nil
}

// handleDomainExpansion mutes the named target (or the invoker, when used
// on no one) for muteDuration.
func (d *Dispatcher) handleDomainExpansion(ctx context.Context, msg gateway.Message, args []string) (string, error) {
	target := msg.SenderID
	targetName := msg.SenderName
	if len(args) > 0 {
		target = args[0]
		targetName = args[0]
	}

	if target == d.cfg.BotUserID {
		return "You can't cast my own technique on me.", nil
	}

	if err := d.muteFor(ctx, msg.RoomID, target, muteDuration); err != nil {
		return "", err
	}
	return fmt.Sprintf("🌌 Domain Expansion: Infinite Void. %s is trapped for %d seconds.",
		targetName, int(muteDuration.Seconds())), nil
}

// muteFor drops a user's power level and schedules the restore. The restore
// runs detached from the request context so a finished command cannot cancel
// the unmute.
func (d *Dispatcher) muteFor(ctx context.Context, roomID, userID string, duration time.Duration) error {
	previous, err := d.mod.SetUserPowerLevel(ctx, roomID, userID, mutedPowerLevel)
	if err != nil {
		return fmt.Errorf("mute %s: %w", userID, err)
	}

	d.afterFunc(duration, func() {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := d.mod.SetUserPowerLevel(restoreCtx, roomID, userID, previous); err != nil {
			d.logger.Error("commands: unmute failed", "room_id", roomID, "user_id", userID, "err", err)
		}
	})
	return nil
}

func (d *Dispatcher) handleHelp() string {
	return strings.TrimSpace(`I'm Gojo. The strongest. Here's what I do:
• ` + d.cfg.Prefix + ` <anything> — talk to me
• ` + d.cfg.Prefix + ` google <query> — web search
• ` + d.cfg.Prefix + ` val <name>#<tag> — Valorant ranked stats
• ` + d.cfg.Prefix + ` sixeyes — reveal the last deleted message
• ` + d.cfg.Prefix + ` roulette — one in six. Feeling lucky?
• ` + d.cfg.Prefix + ` domain expansion [user] — Infinite Void (10s mute)
You can also just mention me or reply to my messages.`)
}

// formatProfile renders one ranked standing.
func formatProfile(p valorant.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 %s#%s [%s]\n", p.Name, p.Tag, strings.ToUpper(p.Region))
	fmt.Fprintf(&b, "Rank: %s", p.Rank)
	if p.Rank != "Unranked" {
		fmt.Fprintf(&b, " (%d RR)", p.RankedRating)
		if p.LastChange != 0 {
			fmt.Fprintf(&b, " | Last game: %+d", p.LastChange)
		}
	}
	fmt.Fprintf(&b, "\nLevel: %d", p.AccountLevel)
	return b.String()
}
