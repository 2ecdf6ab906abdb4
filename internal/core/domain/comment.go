package domain

import "time"

// Comment is one entry of a room's comment log. Timestamp is the offset in
// milliseconds from the creator's stream start, so comments from different
// stream starts are not comparable.
type Comment struct {
	ID        string `json:"id"`
	RoomID    RoomID `json:"roomId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Author    string `json:"author"`
}

// OffsetSince returns the comment timestamp for a comment posted at now.
func OffsetSince(startedAt, now time.Time) int64 {
	offset := now.Sub(startedAt).Milliseconds()
	if offset < 0 {
		return 0
	}
	return offset
}
