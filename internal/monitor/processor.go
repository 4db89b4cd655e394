package monitor

import (
	"context"
	"fmt"

	"github.com/carscout/carscout/internal/logger"
	"github.com/carscout/carscout/internal/repository"
	"github.com/carscout/carscout/internal/telegram"
)

// PostStore is the persistence surface the processor needs.
type PostStore interface {
	Exists(ctx context.Context, channelID int64, messageID int64) (bool, error)
	Create(ctx context.Context, p *repository.Post, contact *repository.SellerContact) error
}

// ContactFallback supplies per-channel default contact info from the
// config store, used when a post carries no extractable contact.
type ContactFallback interface {
	DefaultContact(ctx context.Context, channelUsername string) (username, phone string, err error)
}

// TaskQueue accepts fire-and-forget downstream processing tasks.
type TaskQueue interface {
	EnqueuePost(ctx context.Context, postID, channelID int64) error
}

// Processor turns one logical post (a single message or a flushed media
// group) into a persisted record or a documented skip. Every step
// short-circuits; nothing before Create has side effects, so a skipped
// or failed update can safely be seen again.
type Processor struct {
	store     PostStore
	fallback  ContactFallback
	extractor *ContactExtractor
	queue     TaskQueue
	log       *logger.Logger
}

// NewProcessor creates a processor. fallback and queue may be nil.
func NewProcessor(store PostStore, fallback ContactFallback, users UserResolver, queue TaskQueue) *Processor {
	return &Processor{
		store:     store,
		fallback:  fallback,
		extractor: NewContactExtractor(users),
		queue:     queue,
		log:       logger.Get().Component("processor"),
	}
}

// Process runs the pipeline for one logical post. msgs must be non-empty
// and, for media groups, sorted ascending by message id. A skip returns
// nil; only store failures surface as errors.
func (p *Processor) Process(ctx context.Context, ch *repository.Channel, msgs []*telegram.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	primary := msgs[0]
	log := p.log.With().
		Int64("channel_id", ch.ID).
		Int64("message_id", primary.ID).
		Logger()

	// text lives on one part of an album, usually the first
	var textMsg *telegram.Message
	for _, m := range msgs {
		if m.Text != "" {
			textMsg = m
			break
		}
	}
	if textMsg == nil {
		log.Debug().Msg("skip: no text")
		return nil
	}

	text := NormalizeText(textMsg.Text)
	if !TextLongEnough(text) {
		log.Debug().Int("length", len([]rune(text))).Msg("skip: text too short")
		return nil
	}

	exists, err := p.store.Exists(ctx, ch.ID, primary.ID)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if exists {
		log.Debug().Msg("skip: already recorded")
		return nil
	}

	if ch.HasKeywords() && !MatchesKeywords(text, ch.Keywords) {
		log.Debug().Msg("skip: no keyword match")
		return nil
	}

	contact := p.extractor.Extract(ctx, textMsg)
	if contact == nil && p.fallback != nil && ch.Username != "" {
		username, phone, err := p.fallback.DefaultContact(ctx, ch.Username)
		if err != nil {
			log.Debug().Err(err).Msg("default contact lookup failed")
		} else if username != "" || phone != "" {
			contact = &repository.SellerContact{
				TelegramUsername: username,
				PhoneNumber:      phone,
			}
		}
	}

	post := buildPost(ch, msgs, primary, text)
	if err := p.store.Create(ctx, post, contact); err != nil {
		return fmt.Errorf("persist post: %w", err)
	}

	log.Info().
		Int64("post_id", post.ID).
		Int("messages", len(msgs)).
		Bool("has_contact", contact.HasAny()).
		Msg("post recorded")

	if p.queue != nil {
		if err := p.queue.EnqueuePost(ctx, post.ID, ch.ID); err != nil {
			// the record exists either way, a periodic sweep can pick it up
			log.Error().Err(err).Int64("post_id", post.ID).Msg("failed to enqueue processing task")
		}
	}
	return nil
}

func buildPost(ch *repository.Channel, msgs []*telegram.Message, primary *telegram.Message, text string) *repository.Post {
	ids := make([]int64, len(msgs))
	var media []telegram.MediaRef
	for i, m := range msgs {
		ids[i] = m.ID
		media = append(media, m.Media...)
	}

	link := MessageLink(ch.Username, primary.ChannelID, primary.ID)
	post := &repository.Post{
		SourceChannelID:     ch.ID,
		OriginalMessageID:   primary.ID,
		MessageIDs:          ids,
		OriginalMessageLink: &link,
		OriginalText:        text,
		MediaFiles:          telegram.EncodeMediaRefs(media),
		DateFound:           primary.Date,
	}
	if primary.GroupedID != 0 {
		gid := primary.GroupedID
		post.MediaGroupID = &gid
	}
	return post
}
