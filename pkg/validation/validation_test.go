package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomCode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"simple", "abc123", false},
		{"with dash and underscore", "movie-night_2", false},
		{"empty", "", true},
		{"slash", "abc/def", true},
		{"space", "abc def", true},
		{"too long", strings.Repeat("a", MaxRoomCodeLen+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomCode(tt.code)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	assert.NoError(t, ValidatePeerID("3f6c1b9e-8d1a-4c57-9a0e-2b7f1f0f9c11"))
	assert.Error(t, ValidatePeerID(""))
	assert.Error(t, ValidatePeerID("peer id"))
	assert.Error(t, ValidatePeerID(strings.Repeat("p", MaxPeerIDLen+1)))
}

func TestValidateCommentText(t *testing.T) {
	assert.NoError(t, ValidateCommentText("great scene"))
	assert.NoError(t, ValidateCommentText("ünïcödé 🎬"))
	assert.Error(t, ValidateCommentText(""))
	assert.Error(t, ValidateCommentText("   \n"))
	assert.Error(t, ValidateCommentText(strings.Repeat("x", MaxCommentLength+1)))
	assert.Error(t, ValidateCommentText("bad \xff byte"))
}

func TestValidateAuthor(t *testing.T) {
	assert.NoError(t, ValidateAuthor("Creator"))
	assert.Error(t, ValidateAuthor(" "))
	assert.Error(t, ValidateAuthor(strings.Repeat("a", MaxAuthorLength+1)))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"wss://party.example.com/peerjs", false},
		{"", true},
		{"ftp://example.com", true},
		{"http://", true},
		{"::nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("héllo", 5, 5, "field"))
	assert.EqualError(t, ValidateStringLength("a", 2, 5, "field"), "field must be at least 2 characters")
	assert.EqualError(t, ValidateStringLength("abcdef", 1, 5, "field"), "field is too long (max 5 characters)")
}
