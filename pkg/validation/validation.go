package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxCommentLength = 500
	MaxAuthorLength  = 50
	MaxRoomCodeLen   = 64
	MaxPeerIDLen     = 100
)

var (
	// RoomCodeRegex restricts room codes to URL-safe characters.
	RoomCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PeerIDRegex accepts broker-issued uuids and other URL-safe identifiers.
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomCode validates a room code taken from a URL or request path.
func ValidateRoomCode(code string) error {
	if code == "" {
		return fmt.Errorf("room code is required")
	}
	if len(code) > MaxRoomCodeLen {
		return fmt.Errorf("room code is too long (max %d characters)", MaxRoomCodeLen)
	}
	if !RoomCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid room code format")
	}
	return nil
}

// ValidatePeerID validates a peer identifier.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLen {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLen)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateCommentText rejects blank and oversized comments.
func ValidateCommentText(text string) error {
	if err := ValidateNonEmptyString(text, "comment text"); err != nil {
		return err
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("comment text contains invalid characters")
	}
	return ValidateStringLength(text, 1, MaxCommentLength, "comment text")
}

// ValidateAuthor validates a comment author label.
func ValidateAuthor(author string) error {
	if err := ValidateNonEmptyString(author, "author"); err != nil {
		return err
	}
	return ValidateStringLength(author, 1, MaxAuthorLength, "author")
}

// ValidateURL validates an http(s) or ws(s) URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that s is not blank.
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates the rune length of s.
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
