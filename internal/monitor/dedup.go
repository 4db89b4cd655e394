package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Deduplicator is a bounded in-memory set of already-seen
// (channel, message) pairs. It is the cheap first line of defense;
// the unique index in the posts table is the authoritative check.
// State is not persisted, a restart starts empty.
//
// Update handlers run on dispatcher goroutines, so the set is
// mutex-guarded.
type Deduplicator struct {
	mu      sync.Mutex
	maxSize int
	seen    map[string]struct{}
	order   []string // insertion order for approximate LRU eviction
}

// NewDeduplicator creates a deduplicator bounded to maxSize entries.
func NewDeduplicator(maxSize int) *Deduplicator {
	return &Deduplicator{
		maxSize: maxSize,
		seen:    make(map[string]struct{}, maxSize),
	}
}

func dedupKey(channelID, messageID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", channelID, messageID)))
	return hex.EncodeToString(sum[:8])
}

// IsDuplicate reports whether the pair was already marked processed.
func (d *Deduplicator) IsDuplicate(channelID, messageID int64) bool {
	key := dedupKey(channelID, messageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// MarkProcessed records the pair, evicting the oldest tenth of the set
// when it grows past the configured maximum.
func (d *Deduplicator) MarkProcessed(channelID, messageID int64) {
	key := dedupKey(channelID, messageID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return
	}

	if len(d.seen) >= d.maxSize {
		evict := d.maxSize / 10
		if evict < 1 {
			evict = 1
		}
		if evict > len(d.order) {
			evict = len(d.order)
		}
		for _, old := range d.order[:evict] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0], d.order[evict:]...)
	}

	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
}

// Len returns the current set size.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
