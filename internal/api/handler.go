// Package api exposes the monitor's operational HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/carscout/carscout/internal/monitor"
	"github.com/carscout/carscout/internal/repository"
	"github.com/carscout/carscout/internal/telegram"
)

// MonitorInfo is the monitor surface the handlers read.
type MonitorInfo interface {
	GetState() monitor.State
	ChannelCount() int
	LastEventAt() time.Time
}

// ChannelLister reads the channel list for the ops endpoint.
type ChannelLister interface {
	GetActive(ctx context.Context) ([]repository.Channel, error)
}

// Handler handles HTTP requests for the monitor service.
type Handler struct {
	mon      MonitorInfo
	tg       *telegram.Client
	channels ChannelLister
}

// NewHandler creates a handler.
func NewHandler(mon MonitorInfo, tg *telegram.Client, channels ChannelLister) *Handler {
	return &Handler{
		mon:      mon,
		tg:       tg,
		channels: channels,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// StatusResponse describes the monitor status payload.
type StatusResponse struct {
	State           monitor.State   `json:"state"`
	TelegramStatus  telegram.Status `json:"telegram_status"`
	Channels        int             `json:"channels"`
	LastEventAt     time.Time       `json:"last_event_at"`
	RateLimiterUsed int             `json:"rate_limiter_used"`
	RateLimiterMax  int             `json:"rate_limiter_max"`
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	used, max := h.tg.RateLimiter().Usage()
	respondJSON(w, http.StatusOK, StatusResponse{
		State:           h.mon.GetState(),
		TelegramStatus:  h.tg.GetStatus(),
		Channels:        h.mon.ChannelCount(),
		LastEventAt:     h.mon.LastEventAt(),
		RateLimiterUsed: used,
		RateLimiterMax:  max,
	})
}

// ChannelInfo is one channel row in the list response.
type ChannelInfo struct {
	ID         int64    `json:"id"`
	TelegramID *int64   `json:"telegram_id,omitempty"`
	Username   string   `json:"username"`
	Title      *string  `json:"title,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	TotalPosts int64    `json:"total_posts"`
}

// ListChannels handles GET /api/v1/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.GetActive(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelInfo{
			ID:         ch.ID,
			TelegramID: ch.TelegramID,
			Username:   ch.Username,
			Title:      ch.Title,
			Keywords:   ch.Keywords,
			TotalPosts: ch.TotalPosts,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"channels": out,
		"count":    len(out),
	})
}

// ResetRateLimiter handles POST /api/v1/ratelimit/reset
func (h *Handler) ResetRateLimiter(w http.ResponseWriter, _ *http.Request) {
	h.tg.RateLimiter().Reset()
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "rate limiter reset",
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
