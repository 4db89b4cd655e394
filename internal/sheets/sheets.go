// Package sheets reads channel configuration from the published CSV export
// of the operations spreadsheet. The sheet is the authoritative channel
// list; it also carries per-channel default seller contacts used when a
// post itself has none.
package sheets

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carscout/carscout/internal/logger"
)

// ChannelRow is one row of the channels sheet.
type ChannelRow struct {
	Username        string // channel username or invite link
	Title           string // human-readable name
	IsActive        bool   // whether monitoring is enabled
	Keywords        string // comma-separated keyword filter, empty = no filter
	ContactUsername string // default seller telegram username
	ContactPhone    string // default seller phone number
}

// KeywordsList splits the comma-separated keywords column.
func (r *ChannelRow) KeywordsList() []string {
	if r.Keywords == "" {
		return nil
	}
	var out []string
	for _, k := range strings.Split(r.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Client pulls the channels sheet on demand with a TTL cache.
// Outbound fetches go through a rate limiter so config reloads can never
// hammer the export endpoint (the spreadsheet API budget is 100 req/100s).
type Client struct {
	url      string
	httpc    *http.Client
	limiter  *rate.Limiter
	cacheTTL time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	cached    []ChannelRow
	fetchedAt time.Time
}

// NewClient creates a sheets client for the given CSV export URL.
func NewClient(url string, cacheTTL time.Duration) *Client {
	return &Client{
		url:      url,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(1.0), 1),
		cacheTTL: cacheTTL,
		log:      logger.Get().Component("sheets"),
	}
}

// Channels returns the channel rows, served from cache while fresh.
// Pass useCache=false to force a refetch (administrative reload).
func (c *Client) Channels(ctx context.Context, useCache bool) ([]ChannelRow, error) {
	c.mu.Lock()
	if useCache && c.cached != nil && time.Since(c.fetchedAt) < c.cacheTTL {
		rows := c.cached
		c.mu.Unlock()
		return rows, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	rows, err := c.fetch(ctx)
	if err != nil {
		// stale cache beats no config at all
		c.mu.Lock()
		stale := c.cached
		c.mu.Unlock()
		if stale != nil {
			c.log.Warn().Err(err).Msg("sheet fetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cached = rows
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.log.Debug().Int("rows", len(rows)).Msg("channels sheet refreshed")
	return rows, nil
}

// DefaultContact returns the default seller contact configured for a
// channel, empty strings when the channel has none.
func (c *Client) DefaultContact(ctx context.Context, channelUsername string) (username, phone string, err error) {
	rows, err := c.Channels(ctx, true)
	if err != nil {
		return "", "", err
	}
	want := bareUsername(channelUsername)
	for _, r := range rows {
		if strings.EqualFold(bareUsername(r.Username), want) {
			return strings.TrimPrefix(r.ContactUsername, "@"), r.ContactPhone, nil
		}
	}
	return "", "", nil
}

// bareUsername strips the link and @ decorations people paste into the
// sheet, so t.me/name, @name and name all refer to the same channel.
func bareUsername(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	return strings.TrimPrefix(s, "@")
}

func (c *Client) fetch(ctx context.Context) ([]ChannelRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sheet request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sheet: unexpected status %d", resp.StatusCode)
	}

	return ParseChannelsCSV(resp.Body)
}

// ParseChannelsCSV decodes the channels sheet export.
// Expected header: username,title,active,keywords,contact_username,contact_phone.
// Unknown columns are ignored; rows without a username are skipped.
func ParseChannelsCSV(r io.Reader) ([]ChannelRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse sheet csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	idx := map[string]int{}
	for i, name := range records[0] {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := idx["username"]; !ok {
		return nil, fmt.Errorf("parse sheet csv: missing username column")
	}

	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []ChannelRow
	for _, rec := range records[1:] {
		username := field(rec, "username")
		if username == "" {
			continue
		}
		rows = append(rows, ChannelRow{
			Username:        username,
			Title:           field(rec, "title"),
			IsActive:        parseBool(field(rec, "active")),
			Keywords:        field(rec, "keywords"),
			ContactUsername: strings.TrimPrefix(field(rec, "contact_username"), "@"),
			ContactPhone:    field(rec, "contact_phone"),
		})
	}
	return rows, nil
}

// parseBool accepts the spellings people actually type into spreadsheets.
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "да":
		return true
	}
	return false
}
