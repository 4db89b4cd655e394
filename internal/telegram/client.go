// Package telegram wraps the MTProto client with rate limiting and
// the message/channel types the rest of the monitor works with.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carscout/carscout/internal/logger"
	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/dispatcher/handlers"
	"github.com/celestix/gotgproto/dispatcher/handlers/filters"
	"github.com/celestix/gotgproto/ext"
	"github.com/gotd/td/tg"
)

// MessageHandler is invoked for every new channel message.
type MessageHandler func(ctx context.Context, msg *Message)

// Client wraps the gotgproto client and provides the high-level telegram
// operations the monitor needs. Every api call goes through the adaptive
// rate limiter.
type Client struct {
	manager     *Manager
	rateLimiter *RateLimiter
	log         *logger.Logger
}

// NewClient creates a telegram client wrapper using the manager.
func NewClient(manager *Manager, limiter *RateLimiter) *Client {
	return &Client{
		manager:     manager,
		rateLimiter: limiter,
		log:         logger.Get().Component("telegram"),
	}
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

// GetStatus returns the current status of the telegram client.
func (c *Client) GetStatus() Status {
	return c.manager.GetStatus()
}

// RateLimiter exposes the limiter for status reporting and manual resets.
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

func (c *Client) getProto() (*gotgproto.Client, error) {
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, fmt.Errorf("telegram client not ready")
	}
	return proto, nil
}

// API returns the raw tg.Client for direct api calls.
func (c *Client) API() (*tg.Client, error) {
	proto, err := c.getProto()
	if err != nil {
		return nil, err
	}
	return proto.API(), nil
}

// acquire waits for a rate limiter slot before an api call.
func (c *Client) acquire(ctx context.Context) error {
	if err := c.rateLimiter.Acquire(ctx); err != nil {
		c.log.Error().Err(err).Msg("rate limiter wait failed")
		return err
	}
	return nil
}

// reportError feeds an api error back into the limiter. A FLOOD_WAIT_N
// error carries the exact wait, so that takes precedence over the
// classified cooldown.
func (c *Client) reportError(err error) {
	if wait := checkFloodWait(err); wait > 0 {
		c.log.Warn().Int("wait_seconds", wait).Msg("FLOOD_WAIT detected")
		c.rateLimiter.SetCooldown(time.Duration(wait) * time.Second)
		return
	}
	c.rateLimiter.ReportError(err)
}

// ResolveChannel resolves a channel username to channel info.
// The username can be with or without the @ prefix.
func (c *Client) ResolveChannel(ctx context.Context, username string) (*Channel, error) {
	username = strings.TrimPrefix(username, "@")

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	c.log.Debug().Str("username", username).Msg("resolving channel username")
	api, err := c.API()
	if err != nil {
		return nil, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		c.reportError(err)
		return nil, fmt.Errorf("resolve username %s: %w", username, err)
	}

	if len(resolved.Chats) == 0 {
		return nil, fmt.Errorf("channel not found: %s", username)
	}
	ch, ok := resolved.Chats[0].(*tg.Channel)
	if !ok {
		return nil, fmt.Errorf("not a channel: %s", username)
	}

	return &Channel{
		ID:         ch.ID,
		AccessHash: ch.AccessHash,
		Username:   username,
		Title:      ch.Title,
	}, nil
}

// JoinChannel subscribes the account to the given channel. Joining a
// channel we are already in is not an error.
func (c *Client) JoinChannel(ctx context.Context, channel *Channel) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}

	api, err := c.API()
	if err != nil {
		return err
	}
	_, err = api.ChannelsJoinChannel(ctx, &tg.InputChannel{
		ChannelID:  channel.ID,
		AccessHash: channel.AccessHash,
	})
	if err != nil {
		if strings.Contains(err.Error(), "USER_ALREADY_PARTICIPANT") {
			return nil
		}
		c.reportError(err)
		return fmt.Errorf("join channel %d: %w", channel.ID, err)
	}

	c.log.Info().Int64("channel_id", channel.ID).Str("username", channel.Username).Msg("joined channel")
	return nil
}

// JoinViaInvite joins a private channel by its invite hash.
func (c *Client) JoinViaInvite(ctx context.Context, hash string) (*Channel, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	api, err := c.API()
	if err != nil {
		return nil, err
	}
	updates, err := api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		if strings.Contains(err.Error(), "USER_ALREADY_PARTICIPANT") {
			return nil, fmt.Errorf("already in channel for invite %s: %w", hash, err)
		}
		c.reportError(err)
		return nil, fmt.Errorf("import chat invite: %w", err)
	}

	upd, ok := updates.(*tg.Updates)
	if !ok {
		return nil, fmt.Errorf("unexpected import invite response %T", updates)
	}
	for _, chat := range upd.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return &Channel{
				ID:         ch.ID,
				AccessHash: ch.AccessHash,
				Username:   ch.Username,
				Title:      ch.Title,
			}, nil
		}
	}
	return nil, fmt.Errorf("no channel in invite response")
}

// GetUser fetches a user by id, used to resolve mention entities that
// carry a user id but no username.
func (c *Client) GetUser(ctx context.Context, userID int64) (*User, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	api, err := c.API()
	if err != nil {
		return nil, err
	}
	users, err := api.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: userID},
	})
	if err != nil {
		c.reportError(err)
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user not found: %d", userID)
	}
	u, ok := users[0].(*tg.User)
	if !ok {
		return nil, fmt.Errorf("user not found: %d", userID)
	}

	return &User{ID: u.ID, Username: u.Username}, nil
}

// Ping issues a cheap state request to verify the connection is alive.
// It bypasses the rate limiter: the watchdog must be able to probe a
// stalled connection even during a cooldown.
func (c *Client) Ping(ctx context.Context) error {
	api, err := c.API()
	if err != nil {
		return err
	}
	if _, err := api.UpdatesGetState(ctx); err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	return nil
}

// OnNewMessage registers a handler for all incoming messages. The handler
// runs on the dispatcher goroutine for that update.
func (c *Client) OnNewMessage(handler MessageHandler) error {
	proto, err := c.getProto()
	if err != nil {
		return err
	}

	proto.Dispatcher.AddHandler(handlers.NewMessage(filters.Message.All, func(ectx *ext.Context, u *ext.Update) error {
		msg := c.convertUpdate(u)
		if msg == nil {
			return nil
		}
		handler(ectx, msg)
		return nil
	}))
	return nil
}

// convertUpdate maps a raw update to our Message type. Non-channel
// updates and service messages return nil.
func (c *Client) convertUpdate(u *ext.Update) *Message {
	em := u.EffectiveMessage
	if em == nil {
		return nil
	}
	raw := em.Message
	if raw == nil {
		return nil
	}

	peer, ok := raw.PeerID.(*tg.PeerChannel)
	if !ok {
		return nil
	}

	msg := &Message{
		ID:        int64(raw.ID),
		ChannelID: peer.ChannelID,
		Text:      raw.Message,
		Date:      time.Unix(int64(raw.Date), 0),
	}
	if gid, ok := raw.GetGroupedID(); ok {
		msg.GroupedID = gid
	}
	if fwd, ok := raw.GetFwdFrom(); ok {
		if from, ok := fwd.GetFromID(); ok {
			if pu, ok := from.(*tg.PeerUser); ok {
				msg.ForwardFromID = pu.UserID
			}
		}
	}
	msg.Entities = convertEntities(raw.Entities)
	msg.Media = convertMedia(raw.Media)
	return msg
}

func convertEntities(entities []tg.MessageEntityClass) []Entity {
	var out []Entity
	for _, e := range entities {
		switch ent := e.(type) {
		case *tg.MessageEntityPhone:
			out = append(out, Entity{Kind: EntityPhone, Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityMentionName:
			out = append(out, Entity{Kind: EntityMention, Offset: ent.Offset, Length: ent.Length, UserID: ent.UserID})
		}
	}
	return out
}

func convertMedia(media tg.MessageMediaClass) []MediaRef {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		return []MediaRef{{
			Kind:          MediaPhoto,
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
		}}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		kind := MediaDocument
		if strings.HasPrefix(doc.MimeType, "video/") {
			kind = MediaVideo
		}
		return []MediaRef{{
			Kind:          kind,
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}}
	}
	return nil
}

// checkFloodWait extracts the wait seconds from a FLOOD_WAIT_N error,
// 0 when the error is something else.
func checkFloodWait(err error) int {
	if err == nil {
		return 0
	}
	str := err.Error()
	parts := strings.Split(str, "FLOOD_WAIT_")
	if len(parts) < 2 {
		return 0
	}
	var seconds int
	_, _ = fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &seconds)
	return seconds
}
