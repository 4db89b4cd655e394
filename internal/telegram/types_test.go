package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaRefEncodeParse(t *testing.T) {
	ref := MediaRef{
		Kind:          MediaPhoto,
		ID:            5240123456789,
		AccessHash:    -7012345888,
		FileReference: []byte{0x01, 0xab, 0xff},
	}

	parsed, err := ParseMediaRef(ref.Encode())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestParseMediaRefErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too few fields", "photo:1:2"},
		{"unknown kind", "sticker:1:2:ff"},
		{"bad id", "photo:x:2:ff"},
		{"bad hash", "photo:1:x:ff"},
		{"bad file ref", "photo:1:2:zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMediaRef(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestParseMediaRefEmptyFileReference(t *testing.T) {
	ref, err := ParseMediaRef("document:42:99:")
	require.NoError(t, err)
	assert.Equal(t, MediaDocument, ref.Kind)
	assert.Nil(t, ref.FileReference)
}

func TestMessageMediaHelpers(t *testing.T) {
	msg := &Message{
		Media: []MediaRef{
			{Kind: MediaPhoto, ID: 1},
			{Kind: MediaPhoto, ID: 2},
			{Kind: MediaVideo, ID: 3},
		},
	}

	assert.True(t, msg.HasMedia())
	assert.True(t, msg.HasPhoto())
	assert.True(t, msg.HasDocument())
	assert.Equal(t, 2, msg.PhotoCount())

	empty := &Message{}
	assert.False(t, empty.HasMedia())
	assert.Equal(t, 0, empty.PhotoCount())
}
