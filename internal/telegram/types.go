package telegram

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel represents a telegram channel the monitor is subscribed to.
type Channel struct {
	ID         int64  // channel id
	AccessHash int64  // access hash for api calls
	Username   string // channel username (without @), empty for private channels
	Title      string // channel title
}

// User is the minimal projection of a telegram user needed for
// contact extraction.
type User struct {
	ID       int64
	Username string
}

// EntityKind classifies the message entities the processor cares about.
type EntityKind string

// entity kinds
const (
	EntityPhone   EntityKind = "phone"
	EntityMention EntityKind = "mention" // mention of a user without a public username
)

// Entity is a structured annotation over a span of message text.
// Offset and Length count UTF-16 code units, as the wire protocol does;
// an emoji before the span shifts the offset by two, not one.
type Entity struct {
	Kind   EntityKind
	Offset int
	Length int
	UserID int64 // set for mention entities
}

// MediaKind tags a media reference.
type MediaKind string

// media kinds
const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef is an opaque, provider-specific reference to an uploaded file.
// The encoded form (kind:id:accessHash:fileRefHex) is only meaningful to
// the MTProto client that produced it; encoding and decoding stay in this
// package so nothing else depends on the format.
type MediaRef struct {
	Kind          MediaKind
	ID            int64
	AccessHash    int64
	FileReference []byte
}

// Encode serializes the reference to its storable string form.
func (m MediaRef) Encode() string {
	return fmt.Sprintf("%s:%d:%d:%s", m.Kind, m.ID, m.AccessHash, hex.EncodeToString(m.FileReference))
}

// ParseMediaRef decodes a stored media reference.
func ParseMediaRef(s string) (MediaRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return MediaRef{}, fmt.Errorf("parse media ref %q: want 4 fields, got %d", s, len(parts))
	}

	kind := MediaKind(parts[0])
	switch kind {
	case MediaPhoto, MediaVideo, MediaDocument:
	default:
		return MediaRef{}, fmt.Errorf("parse media ref %q: unknown kind %q", s, parts[0])
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return MediaRef{}, fmt.Errorf("parse media ref %q: bad id: %w", s, err)
	}
	hash, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return MediaRef{}, fmt.Errorf("parse media ref %q: bad access hash: %w", s, err)
	}
	var fileRef []byte
	if parts[3] != "" {
		fileRef, err = hex.DecodeString(parts[3])
		if err != nil {
			return MediaRef{}, fmt.Errorf("parse media ref %q: bad file reference: %w", s, err)
		}
	}

	return MediaRef{Kind: kind, ID: id, AccessHash: hash, FileReference: fileRef}, nil
}

// EncodeMediaRefs serializes a list of references for storage.
func EncodeMediaRefs(refs []MediaRef) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Encode()
	}
	return out
}

// Message is one physical message from a monitored channel, detached from
// the client library's types so the monitor depends on a stable contract.
type Message struct {
	ID            int64
	ChannelID     int64
	Text          string // text or media caption
	Date          time.Time
	GroupedID     int64 // media group (album) id, 0 when not grouped
	ForwardFromID int64 // original sender for forwarded posts, 0 when absent
	IsService     bool  // service messages (joins, pins) are never processed
	Entities      []Entity
	Media         []MediaRef
}

// HasMedia reports whether the message carries any media.
func (m *Message) HasMedia() bool {
	return len(m.Media) > 0
}

// HasPhoto reports whether any media reference is a photo.
func (m *Message) HasPhoto() bool {
	for _, r := range m.Media {
		if r.Kind == MediaPhoto {
			return true
		}
	}
	return false
}

// HasDocument reports whether any media reference is a document or video.
func (m *Message) HasDocument() bool {
	for _, r := range m.Media {
		if r.Kind == MediaDocument || r.Kind == MediaVideo {
			return true
		}
	}
	return false
}

// PhotoCount returns the number of photo references.
func (m *Message) PhotoCount() int {
	n := 0
	for _, r := range m.Media {
		if r.Kind == MediaPhoto {
			n++
		}
	}
	return n
}
