package monitor

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/carscout/carscout/internal/logger"
	"github.com/carscout/carscout/internal/repository"
	"github.com/carscout/carscout/internal/telegram"
)

var (
	usernameRe = regexp.MustCompile(`@([a-zA-Z0-9_]{5,32})`)
	phoneRe    = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)
	emailRe    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// UserResolver looks up users referenced by mention entities that carry
// only a numeric id. Calls go through the shared rate limiter.
type UserResolver interface {
	GetUser(ctx context.Context, userID int64) (*telegram.User, error)
}

// ContactExtractor recovers seller contact information from a message.
// Structured entities are trusted first, regex over the raw text is the
// fallback. Extraction over the text alone is pure and deterministic.
type ContactExtractor struct {
	users UserResolver
	log   *logger.Logger
}

// NewContactExtractor creates an extractor. users may be nil, in which
// case mention entities without usernames are skipped.
func NewContactExtractor(users UserResolver) *ContactExtractor {
	return &ContactExtractor{
		users: users,
		log:   logger.Get().Component("contacts"),
	}
}

// Extract returns the contact found in msg, or nil when nothing usable
// is present. Contacts are optional at this stage; the caller may fill
// in a channel-level default.
func (e *ContactExtractor) Extract(ctx context.Context, msg *telegram.Message) *repository.SellerContact {
	contact := &repository.SellerContact{}
	units := utf16.Encode([]rune(msg.Text))

	// structured entities first, they are exact
	for _, ent := range msg.Entities {
		switch ent.Kind {
		case telegram.EntityPhone:
			if contact.PhoneNumber == "" {
				if span := entitySpan(units, ent); span != "" {
					contact.PhoneNumber = normalizePhone(span)
				}
			}
		case telegram.EntityMention:
			if contact.TelegramUserID == 0 {
				contact.TelegramUserID = ent.UserID
				e.resolveUsername(ctx, ent.UserID, contact)
			}
		}
	}

	// emails go to other contacts; strip them before the username scan so
	// the domain part is not mistaken for a mention
	text := msg.Text
	if emails := emailRe.FindAllString(text, -1); len(emails) > 0 {
		contact.OtherContacts = strings.Join(emails, ", ")
		text = emailRe.ReplaceAllString(text, " ")
	}

	if contact.TelegramUsername == "" {
		if m := usernameRe.FindStringSubmatch(text); m != nil {
			contact.TelegramUsername = m[1]
		}
	}
	if contact.PhoneNumber == "" {
		for _, cand := range phoneRe.FindAllString(text, -1) {
			if p := normalizePhone(cand); p != "" {
				contact.PhoneNumber = p
				break
			}
		}
	}

	// a forwarded post names its original sender, useful when the text
	// itself has no contact
	if !contact.HasAny() && msg.ForwardFromID != 0 {
		contact.TelegramUserID = msg.ForwardFromID
		e.resolveUsername(ctx, msg.ForwardFromID, contact)
	}

	if !contact.HasAny() {
		return nil
	}
	return contact
}

func (e *ContactExtractor) resolveUsername(ctx context.Context, userID int64, contact *repository.SellerContact) {
	if e.users == nil || contact.TelegramUsername != "" {
		return
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		e.log.Debug().Err(err).Int64("user_id", userID).Msg("failed to resolve mentioned user")
		return
	}
	contact.TelegramUsername = user.Username
}

// entitySpan slices the range an entity points at. Offsets from the
// wire are UTF-16 code units, so the text is sliced in that encoding;
// counting runes would shift every span after an emoji.
func entitySpan(units []uint16, ent telegram.Entity) string {
	if ent.Offset < 0 || ent.Length <= 0 || ent.Offset+ent.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[ent.Offset : ent.Offset+ent.Length]))
}

// normalizePhone strips formatting and applies the local dialing
// convention: a leading 8 or 7 on an 11-digit number becomes +7.
// Candidates with fewer than 10 digits are rejected.
func normalizePhone(s string) string {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 10 {
		return ""
	}
	if len(d) == 11 && d[0] == '8' {
		return "+7" + d[1:]
	}
	return "+" + d
}
