package domain

import (
	"fmt"
	"net/url"
	"strings"
)

type Role string

const (
	RoleCreator Role = "creator"
	RoleViewer  Role = "viewer"
)

// ParseRole treats anything other than "creator" as a viewer.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleCreator)) {
		return RoleCreator
	}
	return RoleViewer
}

// Author is the label attached to comments posted in this role.
func (r Role) Author() string {
	if r == RoleCreator {
		return "Creator"
	}
	return "Viewer"
}

// RoomEntry is the parsed form of /room/{roomCode}?role=creator|viewer.
type RoomEntry struct {
	Code RoomID
	Role Role
}

func (e RoomEntry) Path() string {
	return fmt.Sprintf("/room/%s?role=%s", url.PathEscape(string(e.Code)), e.Role)
}

// ParseRoomURL accepts a full URL, a path, or a bare room code.
func ParseRoomURL(raw string) (RoomEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RoomEntry{}, ErrRoomNotFound
	}
	if !strings.Contains(raw, "/") && !strings.Contains(raw, "?") {
		return RoomEntry{Code: RoomID(raw), Role: RoleViewer}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return RoomEntry{}, fmt.Errorf("invalid room url: %w", err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) != 2 || segments[0] != "room" || segments[1] == "" {
		return RoomEntry{}, fmt.Errorf("invalid room url %q: %w", raw, ErrRoomNotFound)
	}
	code, err := url.PathUnescape(segments[1])
	if err != nil {
		return RoomEntry{}, fmt.Errorf("invalid room code: %w", err)
	}

	return RoomEntry{
		Code: RoomID(code),
		Role: ParseRole(u.Query().Get("role")),
	}, nil
}
