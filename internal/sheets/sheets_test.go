package sheets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const sampleCSV = `username,title,active,keywords,contact_username,contact_phone
@cars_spb,Cars SPb,TRUE,"bmw, продам",@dealer_spb,+79991112233
avto_msk,Avto MSK,yes,,,
dead_channel,Old Channel,false,,,
,no username row,true,,,
`

func TestParseChannelsCSV(t *testing.T) {
	rows, err := ParseChannelsCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("ParseChannelsCSV() error = %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (row without username skipped)", len(rows))
	}

	first := rows[0]
	if first.Username != "@cars_spb" {
		t.Errorf("Username = %q", first.Username)
	}
	if !first.IsActive {
		t.Error("first row should be active")
	}
	if first.ContactUsername != "dealer_spb" {
		t.Errorf("ContactUsername = %q, want without @", first.ContactUsername)
	}

	kw := first.KeywordsList()
	if len(kw) != 2 || kw[0] != "bmw" || kw[1] != "продам" {
		t.Errorf("KeywordsList() = %v", kw)
	}

	if rows[1].KeywordsList() != nil {
		t.Error("empty keywords column should yield nil list")
	}
	if rows[2].IsActive {
		t.Error("third row should be inactive")
	}
}

func TestParseChannelsCSV_MissingUsernameColumn(t *testing.T) {
	_, err := ParseChannelsCSV(strings.NewReader("title,active\nfoo,true\n"))
	if err == nil {
		t.Fatal("expected error for csv without username column")
	}
}

func TestClient_CacheHit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute)

	ctx := context.Background()
	if _, err := c.Channels(ctx, true); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := c.Channels(ctx, true); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1 (second call cached)", calls.Load())
	}
}

func TestClient_DefaultContact(t *testing.T) {
	csv := `username,title,active,keywords,contact_username,contact_phone
https://t.me/cars_spb,Cars SPb,true,,@dealer_spb,+79991112233
@avto_msk,Avto MSK,true,,,
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(csv))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute)
	ctx := context.Background()

	// the stored channel username is bare, the sheet row is a t.me link
	username, phone, err := c.DefaultContact(ctx, "cars_spb")
	if err != nil {
		t.Fatalf("DefaultContact: %v", err)
	}
	if username != "dealer_spb" || phone != "+79991112233" {
		t.Errorf("DefaultContact = %q, %q", username, phone)
	}

	username, phone, err = c.DefaultContact(ctx, "avto_msk")
	if err != nil {
		t.Fatalf("DefaultContact: %v", err)
	}
	if username != "" || phone != "" {
		t.Errorf("channel without defaults = %q, %q, want empty", username, phone)
	}
}

func TestClient_StaleCacheOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Minute)

	ctx := context.Background()
	rows, err := c.Channels(ctx, true)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	fail.Store(true)
	stale, err := c.Channels(ctx, false)
	if err != nil {
		t.Fatalf("expected stale cache, got error: %v", err)
	}
	if len(stale) != len(rows) {
		t.Errorf("stale rows = %d, want %d", len(stale), len(rows))
	}
}
