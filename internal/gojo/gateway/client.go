// Package gateway connects the bot to a Matrix homeserver: it runs the sync
// loop, filters events down to the rooms the bot serves, classifies how a
// message addressed the bot (prefix handling lives one layer up), and offers
// the send primitives the commands layer needs.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix connection settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms is the allowlist of room IDs the bot responds in. Empty means
	// every room the account is joined to.
	Rooms []string

	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history replays on every restart.
	DB *sql.DB
}

// Message is one inbound text message, classified against the bot identity.
type Message struct {
	EventID    string
	RoomID     string
	SenderID   string
	SenderName string
	Body       string
	Timestamp  time.Time

	// MentionsBot is true when the sender mentioned the bot (intentional
	// mention metadata or a literal user-ID pill in the body).
	MentionsBot bool

	// ReplyToBot is true when the message is a rich reply to one of the
	// bot's own messages.
	ReplyToBot bool
}

// Handler processes one classified inbound message.
type Handler func(ctx context.Context, msg Message)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	cfg     *Config
	logger  *slog.Logger
	stopCh  chan struct{}
	handler Handler
	snipe   *snipeCache
}

// New creates a gateway client. The connection is not opened until Start.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		snipe:  newSnipeCache(),
	}

	// Attach a persistent sync store so the bot resumes from the last known
	// position after a restart instead of replaying the full room history.
	if cfg.DB != nil {
		client.Store = newDBSyncStore(cfg.DB)
		logger.Info("gateway: using persistent sync store")
	} else {
		logger.Warn("gateway: no DB configured, using in-memory sync store (history will replay on restart)")
	}

	return c, nil
}

// Start joins the configured rooms and begins syncing in the background.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventRedaction, c.handleRedaction)

	for _, roomID := range c.cfg.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	// Sync in the background with exponential back-off reconnection. Without
	// retries a transient homeserver error would silently kill the sync
	// goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				c.logger.Error("gateway: sync stopped, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop ends the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the bot's own Matrix user ID.
func (c *Client) UserID() string {
	return c.cfg.UserID
}

// SendMessage sends a plain text message to a room.
func (c *Client) SendMessage(ctx context.Context, roomID, message string) error {
	_, err := c.client.SendText(ctx, id.RoomID(roomID), message)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReplyToMessage sends a rich reply to a specific event.
func (c *Client) ReplyToMessage(ctx context.Context, roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendNotice sends a notice (less intrusive than a normal message).
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator while a reply is being generated.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout)
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// GetDisplayName gets a user's display name.
func (c *Client) GetDisplayName(ctx context.Context, userID string) (string, error) {
	profile, err := c.client.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return profile.DisplayName, nil
}

// SetUserPowerLevel reads the room's current power levels, overrides the
// level of a single user, and writes the state back. Used for the timed
// room mute; restoring is the same call with the previous level.
func (c *Client) SetUserPowerLevel(ctx context.Context, roomID, userID string, level int) (previous int, err error) {
	var levels event.PowerLevelsEventContent
	err = c.client.StateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", &levels)
	if err != nil {
		return 0, fmt.Errorf("failed to read power levels: %w", err)
	}

	previous = levels.GetUserLevel(id.UserID(userID))
	levels.SetUserLevel(id.UserID(userID), level)

	_, err = c.client.SendStateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", &levels)
	if err != nil {
		return 0, fmt.Errorf("failed to set power levels: %w", err)
	}
	return previous, nil
}

// LastDeleted returns the most recently redacted message in a room, if the
// bot saw the original before it was removed.
func (c *Client) LastDeleted(roomID string) (DeletedMessage, bool) {
	return c.snipe.lastDeleted(roomID)
}

// inRoomScope checks the room allowlist; an empty allowlist admits all rooms.
func (c *Client) inRoomScope(roomID string) bool {
	if len(c.cfg.Rooms) == 0 {
		return true
	}
	for _, allowed := range c.cfg.Rooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// handleMessage filters and classifies an incoming room event.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}
	if !c.inRoomScope(evt.RoomID.String()) {
		return
	}

	// Cache every text message, the bot's own included: redactions are
	// sniped from here, and reply-to-bot detection resolves the replied-to
	// sender against the same cache.
	c.snipe.observe(evt.RoomID.String(), evt.ID.String(), observedMessage{
		SenderID:   evt.Sender.String(),
		SenderName: evt.Sender.Localpart(),
		Body:       msgContent.Body,
		Timestamp:  time.UnixMilli(evt.Timestamp).UTC(),
	})

	// The bot's own echo stops here.
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}

	msg := Message{
		EventID:     evt.ID.String(),
		RoomID:      evt.RoomID.String(),
		SenderID:    evt.Sender.String(),
		SenderName:  evt.Sender.Localpart(),
		Body:        msgContent.Body,
		Timestamp:   time.UnixMilli(evt.Timestamp).UTC(),
		MentionsBot: c.detectMention(msgContent),
		ReplyToBot:  c.detectReplyToBot(msgContent),
	}

	if c.handler != nil {
		c.handler(ctx, msg)
	}
}

// detectMention checks intentional-mention metadata first and falls back to
// a literal user-ID match in the body for clients that don't send it.
func (c *Client) detectMention(content *event.MessageEventContent) bool {
	if content.Mentions != nil {
		for _, mentioned := range content.Mentions.UserIDs {
			if mentioned == id.UserID(c.cfg.UserID) {
				return true
			}
		}
	}
	return strings.Contains(content.Body, c.cfg.UserID)
}

// detectReplyToBot resolves the replied-to event against the recent-message
// cache. A reply to an event the bot never saw counts as not addressed.
func (c *Client) detectReplyToBot(content *event.MessageEventContent) bool {
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil {
		return false
	}
	original, ok := c.snipe.lookup(content.RelatesTo.InReplyTo.EventID.String())
	if !ok {
		return false
	}
	return original.SenderID == c.cfg.UserID
}

// handleRedaction moves a cached message into the per-room deleted slot.
func (c *Client) handleRedaction(_ context.Context, evt *event.Event) {
	if !c.inRoomScope(evt.RoomID.String()) {
		return
	}
	c.snipe.redact(evt.RoomID.String(), evt.Redacts.String())
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("gateway: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
