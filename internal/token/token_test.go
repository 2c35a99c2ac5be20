package token

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParse(t *testing.T) {
	tok, err := Generate("cli", "s3cret", time.Hour)
	require.NoError(t, err)

	sub, err := Parse(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "cli", sub)

	_, err = Parse(tok, "other")
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	tok, err := Generate("cli", "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = Parse(tok, "s3cret")
	assert.Error(t, err)
}

func TestMissingSecret(t *testing.T) {
	_, err := Generate("cli", "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)
	_, err = Parse("x", "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/state", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, Extract(r), tt.header)
	}
}
