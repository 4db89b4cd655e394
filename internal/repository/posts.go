package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// post statuses
const (
	PostStatusPending = "PENDING"
)

// Post represents a validated message found in a monitored channel.
// Once created it is owned by downstream AI/publishing; this subsystem
// never mutates it again.
type Post struct {
	ID                  int64
	SourceChannelID     int64
	OriginalMessageID   int64
	MessageIDs          []int64
	OriginalMessageLink *string
	OriginalText        string
	MediaFiles          []string
	MediaGroupID        *int64
	Status              string
	Published           bool
	DateFound           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SellerContact holds contact information extracted for a post.
// Zero-valued fields are stored as NULL.
type SellerContact struct {
	ID               int64
	PostID           int64
	TelegramUsername string
	TelegramUserID   int64
	PhoneNumber      string
	OtherContacts    string
}

// HasAny reports whether at least one contact field is populated.
func (s *SellerContact) HasAny() bool {
	if s == nil {
		return false
	}
	return s.TelegramUsername != "" || s.TelegramUserID != 0 ||
		s.PhoneNumber != "" || s.OtherContacts != ""
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt64(i int64) *int64 {
	if i == 0 {
		return nil
	}
	return &i
}

// PostsRepository handles posts and seller_contacts table operations.
type PostsRepository struct {
	pool *pgxpool.Pool
}

// NewPostsRepository creates a new posts repository.
func NewPostsRepository(pool *pgxpool.Pool) *PostsRepository {
	return &PostsRepository{pool: pool}
}

// Exists checks whether a post for (channel, message) is already recorded.
// This is the authoritative duplicate check behind the in-memory deduplicator.
func (r *PostsRepository) Exists(ctx context.Context, channelID int64, messageID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM posts
			WHERE source_channel_id = $1 AND original_message_id = $2
		)
	`, channelID, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check post exists: %w", err)
	}
	return exists, nil
}

// Create inserts the post, its seller contact (when present) and bumps the
// channel post counter in a single transaction.
func (r *PostsRepository) Create(ctx context.Context, p *Post, contact *SellerContact) error {
	if p.Status == "" {
		p.Status = PostStatusPending
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO posts (source_channel_id, original_message_id, message_ids,
			                   original_message_link, original_text, media_files,
			                   media_group_id, status, date_found)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at
		`, p.SourceChannelID, p.OriginalMessageID, p.MessageIDs,
			p.OriginalMessageLink, p.OriginalText, p.MediaFiles,
			p.MediaGroupID, p.Status, p.DateFound,
		).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}

		if contact.HasAny() {
			contact.PostID = p.ID
			err = tx.QueryRow(ctx, `
				INSERT INTO seller_contacts (post_id, telegram_username, telegram_user_id,
				                             phone_number, other_contacts)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id
			`, contact.PostID, nullString(contact.TelegramUsername), nullInt64(contact.TelegramUserID),
				nullString(contact.PhoneNumber), nullString(contact.OtherContacts),
			).Scan(&contact.ID)
			if err != nil {
				return fmt.Errorf("insert seller contact: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE channels SET total_posts = total_posts + 1, updated_at = NOW()
			WHERE id = $1
		`, p.SourceChannelID); err != nil {
			return fmt.Errorf("bump channel counter: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

// CountByStatus returns the number of posts in the given status.
func (r *PostsRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM posts WHERE status = $1
	`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count posts by status: %w", err)
	}
	return count, nil
}
