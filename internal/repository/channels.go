package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel represents a monitored telegram channel.
type Channel struct {
	ID             int64
	TelegramID     *int64
	Username       string
	Title          *string
	IsActive       bool
	Keywords       []string
	TotalPosts     int64
	PublishedPosts int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasKeywords reports whether the channel defines a keyword filter.
func (c *Channel) HasKeywords() bool {
	return len(c.Keywords) > 0
}

// ChannelsRepository handles channels table operations.
type ChannelsRepository struct {
	pool *pgxpool.Pool
}

// NewChannelsRepository creates a new channels repository.
func NewChannelsRepository(pool *pgxpool.Pool) *ChannelsRepository {
	return &ChannelsRepository{pool: pool}
}

const channelColumns = `id, telegram_id, username, title, is_active, keywords,
	       total_posts, published_posts, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var c Channel
	err := row.Scan(
		&c.ID, &c.TelegramID, &c.Username, &c.Title, &c.IsActive, &c.Keywords,
		&c.TotalPosts, &c.PublishedPosts, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActive returns all channels with monitoring enabled.
func (r *ChannelsRepository) GetActive(ctx context.Context) ([]Channel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE is_active = true
		ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("get active channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *c)
	}
	return channels, nil
}

// GetByUsername returns a channel by its normalized username.
// Returns nil when no such channel exists.
func (r *ChannelsRepository) GetByUsername(ctx context.Context, username string) (*Channel, error) {
	c, err := scanChannel(r.pool.QueryRow(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE username = $1
	`, username))
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("get channel by username: %w", err)
	}
	return c, nil
}

// Upsert creates a channel or updates its title, active flag and keywords.
// Counters are never touched here; they belong to the ingestion path.
func (r *ChannelsRepository) Upsert(ctx context.Context, c *Channel) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channels (username, title, is_active, keywords)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE
		SET title = EXCLUDED.title,
		    is_active = EXCLUDED.is_active,
		    keywords = EXCLUDED.keywords,
		    updated_at = NOW()
		RETURNING id, total_posts, published_posts, created_at, updated_at
	`, c.Username, c.Title, c.IsActive, c.Keywords).Scan(
		&c.ID, &c.TotalPosts, &c.PublishedPosts, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

// Deactivate disables monitoring for a channel. Channels are never deleted.
func (r *ChannelsRepository) Deactivate(ctx context.Context, username string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE channels SET is_active = false, updated_at = NOW() WHERE username = $1
	`, username)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	return nil
}

// SetTelegramInfo stores the resolved telegram id and title of a channel.
func (r *ChannelsRepository) SetTelegramInfo(ctx context.Context, id int64, telegramID int64, title string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE channels SET telegram_id = $2, title = $3, updated_at = NOW() WHERE id = $1
	`, id, telegramID, title)
	if err != nil {
		return fmt.Errorf("set telegram info: %w", err)
	}
	return nil
}

// Count returns the number of channels, active only when activeOnly is set.
func (r *ChannelsRepository) Count(ctx context.Context, activeOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM channels`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	var count int
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count channels: %w", err)
	}
	return count, nil
}
