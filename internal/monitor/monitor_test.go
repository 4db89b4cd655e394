package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/carscout/carscout/internal/config"
	"github.com/carscout/carscout/internal/repository"
	"github.com/carscout/carscout/internal/sheets"
	"github.com/carscout/carscout/internal/telegram"
)

type fakeChannelStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*repository.Channel
}

func newFakeChannelStore() *fakeChannelStore {
	return &fakeChannelStore{rows: map[string]*repository.Channel{}}
}

func (s *fakeChannelStore) GetActive(_ context.Context) ([]repository.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.Channel
	for _, ch := range s.rows {
		if ch.IsActive {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (s *fakeChannelStore) Upsert(_ context.Context, c *repository.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[c.Username]; ok {
		existing.IsActive = c.IsActive
		existing.Title = c.Title
		existing.Keywords = c.Keywords
		return nil
	}
	s.nextID++
	stored := *c
	stored.ID = s.nextID
	s.rows[c.Username] = &stored
	return nil
}

func (s *fakeChannelStore) Deactivate(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.rows[username]; ok {
		ch.IsActive = false
	}
	return nil
}

func (s *fakeChannelStore) SetTelegramInfo(_ context.Context, id, telegramID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.rows {
		if ch.ID == id {
			tid := telegramID
			ch.TelegramID = &tid
			ch.Title = &title
		}
	}
	return nil
}

func (s *fakeChannelStore) get(username string) *repository.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.rows[username]; ok {
		stored := *ch
		return &stored
	}
	return nil
}

type fakeSource struct {
	rows []sheets.ChannelRow
	err  error
}

func (f *fakeSource) Channels(_ context.Context, _ bool) ([]sheets.ChannelRow, error) {
	return f.rows, f.err
}

func (f *fakeSource) DefaultContact(_ context.Context, _ string) (string, string, error) {
	return "", "", nil
}

type fakeTelegram struct {
	mu       sync.Mutex
	nextID   int64
	resolved []string
	joined   []int64
	invites  []string
	pingErr  error
	handler  telegram.MessageHandler
}

func (f *fakeTelegram) ResolveChannel(_ context.Context, username string) (*telegram.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.resolved = append(f.resolved, username)
	return &telegram.Channel{ID: 100000 + f.nextID, AccessHash: 1, Username: username, Title: "resolved"}, nil
}

func (f *fakeTelegram) JoinChannel(_ context.Context, ch *telegram.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, ch.ID)
	return nil
}

func (f *fakeTelegram) JoinViaInvite(_ context.Context, hash string) (*telegram.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.invites = append(f.invites, hash)
	return &telegram.Channel{ID: 200000 + f.nextID, AccessHash: 2, Title: "private"}, nil
}

func (f *fakeTelegram) GetUser(_ context.Context, userID int64) (*telegram.User, error) {
	return nil, errors.New("no users")
}

func (f *fakeTelegram) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeTelegram) OnNewMessage(h telegram.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func newTestMonitor(t *testing.T, tg *fakeTelegram, source *fakeSource) (*Monitor, *fakeChannelStore, *fakeStore) {
	t.Helper()
	cfg := &config.Config{
		DedupMaxSize:      100,
		MediaGroupDelay:   100 * time.Millisecond,
		ReconcileInterval: time.Hour,
		ReconnectAttempts: 2,
		ReconnectDelay:    time.Millisecond,
	}
	channels := newFakeChannelStore()
	posts := &fakeStore{}
	m := New(cfg, nil, tg, channels, posts, source, nil)
	m.runCtx = context.Background()
	return m, channels, posts
}

func TestSyncChannelsSubscribes(t *testing.T) {
	tg := &fakeTelegram{}
	source := &fakeSource{rows: []sheets.ChannelRow{
		{Username: "@Cars_SPB", Title: "Cars SPB", IsActive: true, Keywords: "bmw, audi"},
	}}
	m, channels, _ := newTestMonitor(t, tg, source)

	require.NoError(t, m.syncChannels(context.Background()))

	assert.Equal(t, []string{"cars_spb"}, tg.resolved)
	assert.Len(t, tg.joined, 1)
	assert.Equal(t, 1, m.ChannelCount())

	stored := channels.get("cars_spb")
	require.NotNil(t, stored)
	assert.True(t, stored.IsActive)
	assert.Equal(t, []string{"bmw", "audi"}, stored.Keywords)
	require.NotNil(t, stored.TelegramID, "telegram id must be persisted after join")
}

func TestSyncChannelsJoinsViaInvite(t *testing.T) {
	tg := &fakeTelegram{}
	source := &fakeSource{rows: []sheets.ChannelRow{
		{Username: "https://t.me/+AbCdEf123", IsActive: true},
	}}
	m, channels, _ := newTestMonitor(t, tg, source)

	require.NoError(t, m.syncChannels(context.Background()))

	// the case-sensitive hash must reach the join call verbatim, never
	// the username resolver
	assert.Equal(t, []string{"AbCdEf123"}, tg.invites)
	assert.Empty(t, tg.resolved)
	assert.Equal(t, 1, m.ChannelCount())

	stored := channels.get("+AbCdEf123")
	require.NotNil(t, stored, "invite channels are stored under the +hash form")
	require.NotNil(t, stored.TelegramID)
}

func TestSyncChannelsUnsubscribesRemoved(t *testing.T) {
	tg := &fakeTelegram{}
	source := &fakeSource{rows: []sheets.ChannelRow{
		{Username: "cars_spb", IsActive: true},
	}}
	m, channels, _ := newTestMonitor(t, tg, source)
	ctx := context.Background()

	require.NoError(t, m.syncChannels(ctx))
	require.Equal(t, 1, m.ChannelCount())

	// the sheet drops the channel on the next pass
	source.rows = nil
	require.NoError(t, m.syncChannels(ctx))

	assert.Equal(t, 0, m.ChannelCount())
	stored := channels.get("cars_spb")
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive)
}

func TestSyncChannelsKeepsSetWhenSheetUnavailable(t *testing.T) {
	tg := &fakeTelegram{}
	source := &fakeSource{rows: []sheets.ChannelRow{
		{Username: "cars_spb", IsActive: true},
	}}
	m, _, _ := newTestMonitor(t, tg, source)
	ctx := context.Background()

	require.NoError(t, m.syncChannels(ctx))
	require.Equal(t, 1, m.ChannelCount())

	source.rows = nil
	source.err = errors.New("sheet endpoint down")
	require.NoError(t, m.syncChannels(ctx))

	assert.Equal(t, 1, m.ChannelCount(), "database state must carry the set through sheet outages")
}

func TestHandleMessageRouting(t *testing.T) {
	tg := &fakeTelegram{}
	m, _, posts := newTestMonitor(t, tg, &fakeSource{})
	defer m.buffer.Close()

	m.mu.Lock()
	m.channels[100500] = &monitoredChannel{db: testChannel(), tg: &telegram.Channel{ID: 100500}}
	m.mu.Unlock()

	ctx := context.Background()

	msg := textMsg(42, "Продам BMW X5 2019, торг")
	m.handleMessage(ctx, msg)
	assert.Len(t, posts.created(), 1, "plain message goes straight to the pipeline")

	m.handleMessage(ctx, msg)
	assert.Len(t, posts.created(), 1, "duplicate is dropped before the pipeline")

	other := textMsg(43, "Продам гараж недорого")
	other.ChannelID = 999
	m.handleMessage(ctx, other)
	assert.Len(t, posts.created(), 1, "messages from unmonitored channels are ignored")

	part := textMsg(50, "Продам Audi A6, фото ниже")
	part.GroupedID = 777
	part.Media = []telegram.MediaRef{{Kind: telegram.MediaPhoto, ID: 1}}
	m.handleMessage(ctx, part)
	assert.Len(t, posts.created(), 1, "album part waits in the buffer")
	assert.Equal(t, 1, m.buffer.Pending())

	time.Sleep(300 * time.Millisecond)
	require.Len(t, posts.created(), 2, "buffered group flushes after the quiet period")
	assert.Equal(t, []int64{50}, posts.created()[1].MessageIDs)
}

func TestReconnectExhaustionFails(t *testing.T) {
	mgr := telegram.NewManager(&config.Config{}, nil)
	mgr.SetClientFactory(func(_ context.Context, _ *config.Config, _ *gorm.DB) (*gotgproto.Client, error) {
		return nil, errors.New("offline")
	})

	tg := &fakeTelegram{}
	m, _, _ := newTestMonitor(t, tg, &fakeSource{})
	m.manager = mgr
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.setState(StateRunning)

	m.reconnect(m.runCtx)

	assert.Equal(t, StateFailed, m.GetState())
	select {
	case <-m.runCtx.Done():
	default:
		t.Error("exhausted reconnect must cancel the run context")
	}
}
