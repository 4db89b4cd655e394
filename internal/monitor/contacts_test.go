package monitor

import (
	"context"
	"fmt"
	"testing"
	"unicode/utf16"

	"github.com/carscout/carscout/internal/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	users map[int64]string
}

func (f *fakeResolver) GetUser(_ context.Context, userID int64) (*telegram.User, error) {
	username, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %d", userID)
	}
	return &telegram.User{ID: userID, Username: username}, nil
}

func TestExtractFromText(t *testing.T) {
	e := NewContactExtractor(nil)
	msg := &telegram.Message{Text: "Продам авто, пишите @seller_88 или +7 999 123-45-67"}

	contact := e.Extract(context.Background(), msg)
	require.NotNil(t, contact)
	assert.Equal(t, "seller_88", contact.TelegramUsername)
	assert.Equal(t, "+79991234567", contact.PhoneNumber)
}

func TestExtractIsDeterministic(t *testing.T) {
	e := NewContactExtractor(nil)
	msg := &telegram.Message{Text: "Продам авто, пишите @seller_88 или +7 999 123-45-67"}

	first := e.Extract(context.Background(), msg)
	second := e.Extract(context.Background(), msg)
	assert.Equal(t, first, second)
}

func TestExtractPhoneNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"local eight prefix", "звоните 8 912 345-67-89", "+79123456789"},
		{"plus seven", "тел. +7(912)345-67-89", "+79123456789"},
		{"bare seven", "79123456789 пишите", "+79123456789"},
	}
	e := NewContactExtractor(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contact := e.Extract(context.Background(), &telegram.Message{Text: tt.in})
			require.NotNil(t, contact)
			assert.Equal(t, tt.want, contact.PhoneNumber)
		})
	}
}

func TestExtractRejectsShortPhones(t *testing.T) {
	e := NewContactExtractor(nil)
	// 9 digits is not a phone, and no other contact is present
	contact := e.Extract(context.Background(), &telegram.Message{Text: "цена 1 234 567 89 руб"})
	assert.Nil(t, contact)
}

func TestExtractFromEntities(t *testing.T) {
	e := NewContactExtractor(&fakeResolver{users: map[int64]string{777: "dealer_spb"}})
	text := "Срочно продам, контакт: +79991234567"
	msg := &telegram.Message{
		Text: text,
		Entities: []telegram.Entity{
			{Kind: telegram.EntityPhone, Offset: 24, Length: 12},
			{Kind: telegram.EntityMention, Offset: 0, Length: 6, UserID: 777},
		},
	}

	contact := e.Extract(context.Background(), msg)
	require.NotNil(t, contact)
	assert.Equal(t, "+79991234567", contact.PhoneNumber)
	assert.Equal(t, int64(777), contact.TelegramUserID)
	assert.Equal(t, "dealer_spb", contact.TelegramUsername)
}

func TestEntitySpanCountsUTF16Units(t *testing.T) {
	// the fire emoji is a surrogate pair: two code units, one rune. An
	// offset counted in runes would start the span one unit early.
	text := "🔥 Звоните +79991234567"
	units := utf16.Encode([]rune(text))

	got := entitySpan(units, telegram.Entity{Kind: telegram.EntityPhone, Offset: 11, Length: 12})
	assert.Equal(t, "+79991234567", got)

	// out of range spans degrade to empty, never panic
	assert.Empty(t, entitySpan(units, telegram.Entity{Offset: 20, Length: 12}))
	assert.Empty(t, entitySpan(units, telegram.Entity{Offset: -1, Length: 3}))
}

func TestExtractFromEntitiesWithEmoji(t *testing.T) {
	e := NewContactExtractor(nil)
	msg := &telegram.Message{
		Text: "🔥 Звоните +79991234567",
		Entities: []telegram.Entity{
			{Kind: telegram.EntityPhone, Offset: 11, Length: 12},
		},
	}

	contact := e.Extract(context.Background(), msg)
	require.NotNil(t, contact)
	assert.Equal(t, "+79991234567", contact.PhoneNumber)
}

func TestExtractEmailGoesToOtherContacts(t *testing.T) {
	e := NewContactExtractor(nil)
	msg := &telegram.Message{Text: "Вопросы на sales@example.com пожалуйста"}

	contact := e.Extract(context.Background(), msg)
	require.NotNil(t, contact)
	assert.Equal(t, "sales@example.com", contact.OtherContacts)
	// the email domain must not be mistaken for a username mention
	assert.Empty(t, contact.TelegramUsername)
}

func TestExtractForwardFallback(t *testing.T) {
	e := NewContactExtractor(&fakeResolver{users: map[int64]string{555: "original_author"}})
	msg := &telegram.Message{
		Text:          "Продам ВАЗ 2107 в отличном состоянии",
		ForwardFromID: 555,
	}

	contact := e.Extract(context.Background(), msg)
	require.NotNil(t, contact)
	assert.Equal(t, int64(555), contact.TelegramUserID)
	assert.Equal(t, "original_author", contact.TelegramUsername)
}

func TestExtractNothing(t *testing.T) {
	e := NewContactExtractor(nil)
	contact := e.Extract(context.Background(), &telegram.Message{Text: "Продам гараж в центре города"})
	assert.Nil(t, contact)
}
