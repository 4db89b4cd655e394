// Package monitor implements the channel ingestion pipeline: live update
// handling, deduplication, media group reassembly and post processing.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carscout/carscout/internal/config"
	"github.com/carscout/carscout/internal/logger"
	"github.com/carscout/carscout/internal/repository"
	"github.com/carscout/carscout/internal/sheets"
	"github.com/carscout/carscout/internal/telegram"
)

// State represents the monitor lifecycle state.
type State string

// monitor states
const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateRunning      State = "RUNNING"
	StateReconnecting State = "RECONNECTING"
	StateStopped      State = "STOPPED"
	StateFailed       State = "FAILED"
)

const (
	idleThreshold    = 60 * time.Second
	watchdogInterval = 30 * time.Second
)

// ChannelStore is the channel persistence surface the monitor needs.
type ChannelStore interface {
	GetActive(ctx context.Context) ([]repository.Channel, error)
	Upsert(ctx context.Context, c *repository.Channel) error
	Deactivate(ctx context.Context, username string) error
	SetTelegramInfo(ctx context.Context, id int64, telegramID int64, title string) error
}

// ConfigSource supplies the authoritative channel list and per-channel
// default contacts (the spreadsheet behind internal/sheets).
type ConfigSource interface {
	Channels(ctx context.Context, useCache bool) ([]sheets.ChannelRow, error)
	DefaultContact(ctx context.Context, channelUsername string) (username, phone string, err error)
}

// TelegramClient is the platform surface the monitor needs: channel
// membership, user lookups, liveness probes and the update stream.
type TelegramClient interface {
	UserResolver
	ResolveChannel(ctx context.Context, username string) (*telegram.Channel, error)
	JoinChannel(ctx context.Context, ch *telegram.Channel) error
	JoinViaInvite(ctx context.Context, hash string) (*telegram.Channel, error)
	Ping(ctx context.Context) error
	OnNewMessage(handler telegram.MessageHandler) error
}

type monitoredChannel struct {
	db *repository.Channel
	tg *telegram.Channel
}

// Monitor owns the platform connection and the mapping of configured
// channels to live subscriptions.
type Monitor struct {
	cfg       *config.Config
	manager   *telegram.Manager
	client    TelegramClient
	store     ChannelStore
	source    ConfigSource
	dedup     *Deduplicator
	buffer    *MediaGroupBuffer
	processor *Processor
	log       *logger.Logger

	mu       sync.RWMutex
	state    State
	channels map[int64]*monitoredChannel // keyed by telegram channel id

	lastEvent atomic.Int64 // unix seconds of the last inbound update

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. queue may be nil when no downstream queue is
// configured.
func New(
	cfg *config.Config,
	manager *telegram.Manager,
	client TelegramClient,
	store ChannelStore,
	posts PostStore,
	source ConfigSource,
	queue TaskQueue,
) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		manager:  manager,
		client:   client,
		store:    store,
		source:   source,
		dedup:    NewDeduplicator(cfg.DedupMaxSize),
		log:      logger.Get().Component("monitor"),
		state:    StateDisconnected,
		channels: make(map[int64]*monitoredChannel),
	}
	m.processor = NewProcessor(posts, source, client, queue)
	m.buffer = NewMediaGroupBuffer(cfg.MediaGroupDelay, m.onGroupFlush)
	return m
}

// Start connects, subscribes to configured channels and launches the
// reconciliation and watchdog loops. It fails fast when the stored
// session is not authorized; this process never logs in interactively.
func (m *Monitor) Start(ctx context.Context) error {
	m.setState(StateConnecting)

	if err := m.manager.Init(ctx); err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("start monitor: %w", err)
	}

	m.runCtx, m.cancel = context.WithCancel(ctx)

	if err := m.syncChannels(m.runCtx); err != nil {
		m.log.Warn().Err(err).Msg("initial channel sync failed, continuing with empty set")
	}

	if err := m.client.OnNewMessage(m.handleMessage); err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("register message handler: %w", err)
	}

	m.lastEvent.Store(time.Now().Unix())
	m.setState(StateRunning)
	m.log.Info().Int("channels", m.ChannelCount()).Msg("monitor running")

	m.wg.Add(2)
	go m.reconcileLoop(m.runCtx)
	go m.watchdog(m.runCtx)
	return nil
}

// Stop cancels the background loops and disconnects. Pending media
// groups are dropped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.buffer.Close()
	m.wg.Wait()
	m.manager.Stop()
	m.setState(StateStopped)
	m.log.Info().Msg("monitor stopped")
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// GetState returns the current lifecycle state.
func (m *Monitor) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ChannelCount returns the number of live subscriptions.
func (m *Monitor) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// LastEventAt returns the time of the last inbound update.
func (m *Monitor) LastEventAt() time.Time {
	return time.Unix(m.lastEvent.Load(), 0)
}

func (m *Monitor) lookup(telegramID int64) *monitoredChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[telegramID]
}

// handleMessage is invoked by the client for every inbound message.
func (m *Monitor) handleMessage(ctx context.Context, msg *telegram.Message) {
	m.lastEvent.Store(time.Now().Unix())

	mc := m.lookup(msg.ChannelID)
	if mc == nil {
		return
	}
	if !ValidForProcessing(msg) {
		return
	}
	if m.dedup.IsDuplicate(msg.ChannelID, msg.ID) {
		return
	}
	m.dedup.MarkProcessed(msg.ChannelID, msg.ID)

	if msg.GroupedID != 0 {
		m.buffer.Add(msg)
		return
	}

	if err := m.processor.Process(ctx, mc.db, []*telegram.Message{msg}); err != nil {
		m.log.Error().Err(err).
			Int64("channel_id", msg.ChannelID).
			Int64("message_id", msg.ID).
			Msg("failed to process message")
	}
}

// onGroupFlush receives a completed media group from the buffer.
func (m *Monitor) onGroupFlush(msgs []*telegram.Message) {
	if len(msgs) == 0 {
		return
	}
	mc := m.lookup(msgs[0].ChannelID)
	if mc == nil {
		return
	}
	ctx := m.runCtx
	if ctx == nil {
		return
	}
	if err := m.processor.Process(ctx, mc.db, msgs); err != nil {
		m.log.Error().Err(err).
			Int64("channel_id", msgs[0].ChannelID).
			Int64("group_id", msgs[0].GroupedID).
			Msg("failed to process media group")
	}
}

// reconcileLoop periodically re-synchronizes subscriptions with the
// config store.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.syncChannels(ctx); err != nil {
				m.log.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// syncChannels pulls the sheet, mirrors it into the database, then diffs
// the active set against live subscriptions.
func (m *Monitor) syncChannels(ctx context.Context) error {
	rows, err := m.source.Channels(ctx, true)
	if err != nil {
		m.log.Warn().Err(err).Msg("config store unavailable, diffing against database only")
	} else {
		m.applySheet(ctx, rows)
	}

	active, err := m.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load active channels: %w", err)
	}

	desired := make(map[string]repository.Channel, len(active))
	for _, ch := range active {
		desired[ch.Username] = ch
	}

	// unsubscribe channels that went inactive
	m.mu.Lock()
	for id, mc := range m.channels {
		if _, ok := desired[mc.db.Username]; !ok {
			delete(m.channels, id)
			m.log.Info().Str("username", mc.db.Username).Msg("channel unsubscribed")
		} else {
			delete(desired, mc.db.Username)
		}
	}
	m.mu.Unlock()

	// subscribe the newly active remainder
	for _, ch := range desired {
		ch := ch
		if err := m.subscribe(ctx, &ch); err != nil {
			// skipped until the next reconciliation pass
			m.log.Warn().Err(err).Str("username", ch.Username).Msg("failed to subscribe channel")
		}
	}
	return nil
}

// applySheet upserts sheet rows into the database and deactivates
// channels the sheet no longer lists.
func (m *Monitor) applySheet(ctx context.Context, rows []sheets.ChannelRow) {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		username := NormalizeUsername(row.Username)
		if username == "" {
			continue
		}
		seen[username] = true

		if !row.IsActive {
			if err := m.store.Deactivate(ctx, username); err != nil {
				m.log.Error().Err(err).Str("username", username).Msg("failed to deactivate channel")
			}
			continue
		}

		ch := &repository.Channel{
			Username: username,
			IsActive: true,
			Keywords: row.KeywordsList(),
		}
		if row.Title != "" {
			title := row.Title
			ch.Title = &title
		}
		if err := m.store.Upsert(ctx, ch); err != nil {
			m.log.Error().Err(err).Str("username", username).Msg("failed to upsert channel")
		}
	}

	active, err := m.store.GetActive(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to load channels for sheet diff")
		return
	}
	for _, ch := range active {
		if !seen[ch.Username] {
			if err := m.store.Deactivate(ctx, ch.Username); err != nil {
				m.log.Error().Err(err).Str("username", ch.Username).Msg("failed to deactivate removed channel")
			}
		}
	}
}

// subscribe resolves a channel (by username or invite link), joins it so
// live updates are delivered, and registers it in the monitored set.
func (m *Monitor) subscribe(ctx context.Context, dbCh *repository.Channel) error {
	var (
		tgCh *telegram.Channel
		err  error
	)
	if hash := InviteHash(dbCh.Username); hash != "" {
		tgCh, err = m.client.JoinViaInvite(ctx, hash)
		if err != nil {
			return fmt.Errorf("join via invite: %w", err)
		}
	} else {
		tgCh, err = m.client.ResolveChannel(ctx, dbCh.Username)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		if err := m.client.JoinChannel(ctx, tgCh); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}

	if err := m.store.SetTelegramInfo(ctx, dbCh.ID, tgCh.ID, tgCh.Title); err != nil {
		m.log.Error().Err(err).Str("username", dbCh.Username).Msg("failed to store telegram info")
	}

	m.mu.Lock()
	m.channels[tgCh.ID] = &monitoredChannel{db: dbCh, tg: tgCh}
	m.mu.Unlock()

	m.log.Info().
		Str("username", dbCh.Username).
		Int64("telegram_id", tgCh.ID).
		Msg("channel subscribed")
	return nil
}

// watchdog probes the connection when no update has arrived for a while
// and triggers reconnection when the probe fails.
func (m *Monitor) watchdog(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.GetState() != StateRunning {
				continue
			}
			if time.Since(m.LastEventAt()) < idleThreshold {
				continue
			}
			if err := m.client.Ping(ctx); err != nil {
				m.log.Warn().Err(err).Msg("connection probe failed")
				m.reconnect(ctx)
			} else {
				m.lastEvent.Store(time.Now().Unix())
			}
		}
	}
}

// reconnect retries a bounded number of times with a fixed delay between
// attempts. Exhausting the attempts marks the monitor failed; an outer
// supervisor is expected to restart the process.
func (m *Monitor) reconnect(ctx context.Context) {
	m.setState(StateReconnecting)

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		m.log.Info().Int("attempt", attempt).Int("max", m.cfg.ReconnectAttempts).Msg("reconnecting")

		if err := m.manager.Reconnect(ctx); err == nil {
			// the new client has a fresh dispatcher, re-register
			if err := m.client.OnNewMessage(m.handleMessage); err != nil {
				m.log.Error().Err(err).Msg("failed to re-register message handler")
			} else {
				m.lastEvent.Store(time.Now().Unix())
				m.setState(StateRunning)
				m.log.Info().Msg("reconnected")
				return
			}
		} else {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}

	m.setState(StateFailed)
	m.log.Error().Int("attempts", m.cfg.ReconnectAttempts).Msg("reconnection attempts exhausted, monitor failed")
	if m.cancel != nil {
		m.cancel()
	}
}
