package monitor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/carscout/carscout/internal/telegram"
)

// minimum length of normalized post text
const minTextLength = 10

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	inviteRe     = regexp.MustCompile(`(?:https?://)?t\.me/(?:\+|joinchat/)([a-zA-Z0-9_\-]+)`)
	bareInviteRe = regexp.MustCompile(`^\+([a-zA-Z0-9_\-]+)$`)
)

// NormalizeUsername brings a channel reference from the config store to
// its bare form: no @, no t.me prefix, lowercase. Invite links are the
// exception: the hash is case-sensitive, so they normalize to +<hash>
// with case preserved.
func NormalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	if hash := InviteHash(s); hash != "" {
		return "+" + hash
	}
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// InviteHash extracts the invite hash from a private channel link
// (t.me/+HASH, t.me/joinchat/HASH, or the stored +HASH form). Empty when
// s is not an invite link.
func InviteHash(s string) string {
	s = strings.TrimSpace(s)
	if m := inviteRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := bareInviteRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// NormalizeText collapses whitespace runs into single spaces and trims.
func NormalizeText(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// TextLongEnough reports whether normalized text meets the minimum length.
// Length is counted in runes, the text is mostly cyrillic.
func TextLongEnough(s string) bool {
	return len([]rune(s)) >= minTextLength
}

// MatchesKeywords reports whether text contains at least one keyword,
// case-insensitive. An empty keyword list accepts everything.
func MatchesKeywords(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// MessageLink builds the canonical link to a message. Channels without a
// public username, including ones configured by invite link, get the
// t.me/c/<id>/<msg> private form.
func MessageLink(username string, channelID, messageID int64) string {
	if username != "" && InviteHash(username) == "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, messageID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", channelID, messageID)
}

// ValidForProcessing is the cheap pre-check run before any pipeline work:
// service messages and messages with neither text nor media are discarded.
func ValidForProcessing(msg *telegram.Message) bool {
	if msg == nil || msg.IsService {
		return false
	}
	return msg.Text != "" || msg.HasMedia()
}
