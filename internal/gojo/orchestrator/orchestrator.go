// Package orchestrator composes the chat pipeline: admission control,
// context assembly, generation, response policy, and asynchronous
// persistence. One inbound chat message produces exactly one reply — every
// failure path inside the pipeline degrades to a canned line, and no error
// from a collaborator crosses this package's boundary.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Reaper7531/gojo/common/trace"
	"github.com/Reaper7531/gojo/internal/gojo/genai"
	"github.com/Reaper7531/gojo/internal/gojo/history"
	"github.com/Reaper7531/gojo/internal/gojo/persona"
	"github.com/Reaper7531/gojo/internal/gojo/policy"
	"github.com/Reaper7531/gojo/internal/gojo/rategate"
)

// persistTimeout bounds the fire-and-forget history writes that run after
// the reply has been sent.
const persistTimeout = 10 * time.Second

// InboundMessage is one triggered chat request, already stripped of the
// trigger (prefix, mention, or reply marker) by the commands layer.
type InboundMessage struct {
	MessageID  string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	Content    string

	// IsCommand marks explicit command invocation (prefix trigger) as
	// opposed to passive chat (mention or reply-to-bot).
	IsCommand bool
}

// Generator is the slice of the generation client the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, userText string, historyMsgs []genai.Message, systemInstruction string) genai.Result
}

// HistoryStore is the slice of the turn log the pipeline needs.
type HistoryStore interface {
	Append(ctx context.Context, turn history.Turn) error
	FetchContext(ctx context.Context, channelID string) []history.Turn
}

// Config tunes the pipeline.
type Config struct {
	// UserCooldown is the per-user admission window.
	UserCooldown time.Duration

	// QuotaResetDelay is how long the quota breaker stays open after the
	// provider exhausts its retries on quota errors.
	QuotaResetDelay time.Duration

	// MaxResponseLength bounds the visible reply.
	MaxResponseLength int

	// BotUserID and BotDisplayName identify the bot's own turns in the log.
	BotUserID      string
	BotDisplayName string
}

// Orchestrator runs the request/response cycle. Safe for concurrent use:
// in-flight messages for different users and channels proceed independently;
// the rate gate and the generation client's model selection are the only
// shared state, and both are internally synchronized.
type Orchestrator struct {
	cfg      Config
	gate     *rategate.Gate
	store    HistoryStore
	gen      Generator
	persona  *persona.Persona
	resolver persona.Resolver
	picker   *policy.Picker
	logger   *slog.Logger

	persistWG sync.WaitGroup
}

// New assembles an Orchestrator. store may wrap a nil history store, persona
// nil means the compiled-in default, and a nil logger or picker falls back
// to the package defaults.
func New(cfg Config, gate *rategate.Gate, store HistoryStore, gen Generator, p *persona.Persona, resolver persona.Resolver, picker *policy.Picker, logger *slog.Logger) *Orchestrator {
	if p == nil {
		p = persona.Default()
	}
	if picker == nil {
		picker = policy.NewPicker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		gate:     gate,
		store:    store,
		gen:      gen,
		persona:  p,
		resolver: resolver,
		picker:   picker,
		logger:   logger,
	}
}

// HandleChat runs one message through the pipeline and returns the single
// user-visible reply. It never returns an empty reply and never fails.
func (o *Orchestrator) HandleChat(ctx context.Context, msg InboundMessage) string {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		traceID = trace.GenerateID()
		ctx = trace.WithTraceID(ctx, traceID)
	}

	identity := o.resolver.Resolve(msg.AuthorID)

	// Admission: per-user cooldown first, then the quota breaker. Both
	// rejections are expected outcomes, not errors.
	if wait := o.gate.CheckUserCooldown(msg.AuthorID, o.cfg.UserCooldown); wait > 0 {
		o.logger.Debug("chat: user on cooldown",
			"trace_id", traceID, "author_id", msg.AuthorID, "wait_s", wait)
		return fmt.Sprintf("⏳ Wait %d more seconds.", wait)
	}
	if o.gate.IsQuotaExhausted() {
		o.logger.Debug("chat: quota breaker open, deflecting",
			"trace_id", traceID, "author_id", msg.AuthorID)
		return o.picker.Offline(identity)
	}
	o.gate.Commit(msg.AuthorID)

	// Context assembly. A store failure already degraded to an empty slice
	// inside FetchContext; generation proceeds without memory.
	contextTurns := o.store.FetchContext(ctx, msg.ChannelID)
	historyMsgs := make([]genai.Message, 0, len(contextTurns))
	for _, turn := range contextTurns {
		role := "user"
		if turn.IsBot {
			role = "model"
		}
		historyMsgs = append(historyMsgs, genai.Message{Role: role, Text: turn.Content})
	}

	// Generation.
	instruction := o.persona.Instruction(identity, msg.AuthorName)
	result := o.gen.Generate(ctx, msg.Content, historyMsgs, instruction)

	if result.QuotaExhausted {
		o.gate.MarkQuotaExhausted(o.cfg.QuotaResetDelay)
	}
	if !result.OK {
		o.logger.Warn("chat: generation failed, sending offline reply",
			"trace_id", traceID, "channel_id", msg.ChannelID, "quota", result.QuotaExhausted)
		return o.picker.Offline(identity)
	}

	// Policy.
	final := policy.ApplyFallbackFilter(result.Text, o.cfg.MaxResponseLength)

	// Persistence is fire-and-forget relative to the reply: the caller
	// sends `final` to the user while the writes happen in the background.
	o.persistWG.Add(1)
	go func() {
		defer o.persistWG.Done()
		o.persistExchange(msg, final, result.ShouldRemember, traceID)
	}()

	return final
}

// Flush blocks until all background persistence writes have finished.
// Called on shutdown so a quick exit does not drop the last exchange.
func (o *Orchestrator) Flush() {
	o.persistWG.Wait()
}

// persistExchange appends the user's turn and the bot's turn. Failures are
// logged and swallowed — the reply is already on its way to the user.
//
// The user turn is only kept when it was an explicit command invocation or
// the model tagged the exchange memory-worthy; the bot turn is always
// appended so the channel log stays coherent for context assembly.
func (o *Orchestrator) persistExchange(msg InboundMessage, reply string, remember bool, traceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now().UTC()

	userTurnID := msg.MessageID
	if userTurnID == "" {
		userTurnID = uuid.New().String()
	}

	if msg.IsCommand || remember {
		userTurn := history.Turn{
			ID:         userTurnID,
			ChannelID:  msg.ChannelID,
			GuildID:    msg.GuildID,
			AuthorID:   msg.AuthorID,
			AuthorName: msg.AuthorName,
			Content:    msg.Content,
			TokenCount: history.EstimateTokens(msg.Content),
			IsCommand:  msg.IsCommand,
			CreatedAt:  now,
		}
		if err := o.store.Append(ctx, userTurn); err != nil {
			o.logger.Warn("chat: persist user turn failed",
				"trace_id", traceID, "turn_id", userTurn.ID, "err", err)
		}
	}

	botTurn := history.Turn{
		ID:         "bot_" + userTurnID,
		ChannelID:  msg.ChannelID,
		GuildID:    msg.GuildID,
		AuthorID:   o.cfg.BotUserID,
		AuthorName: o.cfg.BotDisplayName,
		IsBot:      true,
		Content:    reply,
		TokenCount: history.EstimateTokens(reply),
		CreatedAt:  now.Add(time.Millisecond),
	}
	if err := o.store.Append(ctx, botTurn); err != nil {
		o.logger.Warn("chat: persist bot turn failed",
			"trace_id", traceID, "turn_id", botTurn.ID, "err", err)
	}
}
