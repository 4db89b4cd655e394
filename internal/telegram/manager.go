package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/carscout/carscout/internal/config"
	"github.com/carscout/carscout/internal/logger"
	"github.com/celestix/gotgproto"
	"gorm.io/gorm"
)

// Status represents the telegram client status.
type Status string

// Status constants define the possible states of the telegram client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusReconnecting Status = "RECONNECTING"
	StatusStopped      Status = "STOPPED"
)

// ClientFactory is a function that creates a telegram client.
type ClientFactory func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error)

// ErrUnauthorized is returned when no usable session exists. The monitor
// refuses to start in that case; run the auth tool first.
var ErrUnauthorized = fmt.Errorf("telegram client unauthorized, run tg-auth first")

// Manager handles the telegram client lifecycle.
type Manager struct {
	cfg *config.Config
	db  *gorm.DB
	log *logger.Logger

	mu     sync.RWMutex
	client *gotgproto.Client
	status Status

	clientFactory ClientFactory
}

// NewManager creates a new telegram manager.
func NewManager(cfg *config.Config, db *gorm.DB) *Manager {
	return &Manager{
		cfg:           cfg,
		db:            db,
		log:           logger.Get().Component("telegram"),
		status:        StatusInitializing,
		clientFactory: NewPersistentClient,
	}
}

// SetClientFactory overrides client creation, used in tests.
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientFactory = f
}

// GetStatus returns the current client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetClient returns the underlying telegram client, nil when not ready.
func (m *Manager) GetClient() *gotgproto.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Init creates the client from the stored session. Unlike an interactive
// app this is a headless monitor, so a missing or invalid session is a
// hard error rather than a degraded mode.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusInitializing
	factory := m.clientFactory
	m.mu.Unlock()

	client, err := factory(ctx, m.cfg, m.db)
	if err != nil {
		m.mu.Lock()
		m.status = StatusUnauthorized
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("failed to initialize client")
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if client.Self == nil {
		m.mu.Lock()
		m.status = StatusUnauthorized
		m.mu.Unlock()
		return ErrUnauthorized
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()

	m.log.Info().
		Int64("user_id", client.Self.ID).
		Str("username", client.Self.Username).
		Msg("client is ready")
	return nil
}

// Reconnect tears down the current client and creates a fresh one from
// the stored session.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusReconnecting
	if m.client != nil {
		m.client.Stop()
		m.client = nil
	}
	m.mu.Unlock()

	m.log.Info().Msg("reconnecting")
	return m.Init(ctx)
}

// Stop stops the telegram client.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Stop()
		m.client = nil
	}
	m.status = StatusStopped
}
