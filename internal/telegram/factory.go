package telegram

import (
	"context"
	"fmt"

	"github.com/carscout/carscout/internal/config"
	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewPersistentClient creates a telegram client with database-backed session
// storage so auth key refreshes survive restarts. An exported session string
// takes precedence when configured; without a database the session lives in
// a local sqlite file.
func NewPersistentClient(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error) {
	opts := &gotgproto.ClientOpts{
		DisableCopyright: true,
		InMemory:         false,
	}

	switch {
	case cfg.TGSessionStr != "":
		opts.Session = sessionMaker.StringSession(cfg.TGSessionStr)
	case db != nil:
		opts.Session = sessionMaker.SqlSession(db.Dialector)
	default:
		opts.Session = sessionMaker.SqlSession(sqlite.Open(cfg.TGSessionFile))
	}

	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(""), // empty = use stored session
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}

	return client, nil
}
