package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/carscout/carscout/internal/logger"
	"github.com/carscout/carscout/internal/telegram"
)

// FlushFunc receives the parts of one completed media group, sorted
// ascending by message id.
type FlushFunc func(msgs []*telegram.Message)

// MediaGroupBuffer reassembles albums. The parts of a multi-photo post
// arrive as independent updates sharing a group id, in no particular
// order; a group is considered complete once no new part has arrived for
// a full quiet period. Each arrival resets the group's timer, so the
// flush fires after the last part's quiet period, not the first's.
type MediaGroupBuffer struct {
	quiet time.Duration
	flush FlushFunc
	log   *logger.Logger

	mu     sync.Mutex
	groups map[int64]*pendingGroup
	closed bool
}

type pendingGroup struct {
	parts []*telegram.Message
	timer *time.Timer
	gen   int // bumped on every Add, stale timer firings check it
}

// NewMediaGroupBuffer creates a buffer flushing completed groups to flush.
func NewMediaGroupBuffer(quiet time.Duration, flush FlushFunc) *MediaGroupBuffer {
	return &MediaGroupBuffer{
		quiet:  quiet,
		flush:  flush,
		log:    logger.Get().Component("mediagroup"),
		groups: make(map[int64]*pendingGroup),
	}
}

// Add stages one part of a media group and restarts the group's
// quiet-period timer. Messages without a group id must not be added.
func (b *MediaGroupBuffer) Add(msg *telegram.Message) {
	groupID := msg.GroupedID

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	g, ok := b.groups[groupID]
	if !ok {
		g = &pendingGroup{}
		b.groups[groupID] = g
		b.log.Debug().Int64("group_id", groupID).Msg("new media group")
	}
	g.parts = append(g.parts, msg)

	// an already fired timer may be blocked on the lock right now; the
	// generation bump turns that firing into a no-op
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.timer = time.AfterFunc(b.quiet, func() {
		b.flushGroup(groupID, gen)
	})
}

func (b *MediaGroupBuffer) flushGroup(groupID int64, gen int) {
	b.mu.Lock()
	g, ok := b.groups[groupID]
	if !ok || g.gen != gen || b.closed {
		b.mu.Unlock()
		return
	}
	delete(b.groups, groupID)
	parts := g.parts
	b.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })

	b.log.Debug().Int64("group_id", groupID).Int("parts", len(parts)).Msg("flushing media group")
	b.flush(parts)
}

// Pending returns the number of groups still accumulating.
func (b *MediaGroupBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// Close stops all timers and drops pending groups. Groups not yet
// flushed at shutdown are lost, the straggler updates reappear (if at
// all) as a fresh group after restart.
func (b *MediaGroupBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	dropped := len(b.groups)
	for _, g := range b.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	b.groups = make(map[int64]*pendingGroup)

	if dropped > 0 {
		b.log.Warn().Int("groups", dropped).Msg("dropped pending media groups on shutdown")
	}
}
