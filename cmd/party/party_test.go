package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	shared   map[domain.StreamKind]bool
	muted    bool
	posted   []string
	shareErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{shared: make(map[domain.StreamKind]bool)}
}

func (f *fakeSession) EnableShare(ctx context.Context, kind domain.StreamKind) error {
	if f.shareErr != nil {
		return f.shareErr
	}
	f.shared[kind] = true
	return nil
}

func (f *fakeSession) DisableShare(kind domain.StreamKind) error {
	delete(f.shared, kind)
	return nil
}

func (f *fakeSession) ToggleMute() (bool, error) {
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeSession) PostComment(ctx context.Context, text string) (domain.Comment, error) {
	f.posted = append(f.posted, text)
	return domain.Comment{Text: text}, nil
}

func (f *fakeSession) State() domain.SessionState       { return domain.StateIdle }
func (f *fakeSession) Room() domain.RoomID              { return "room-1" }
func (f *fakeSession) Sharing() []domain.StreamKind     { return nil }
func (f *fakeSession) Connections() []domain.Connection { return nil }

func TestCommandLoop(t *testing.T) {
	session := newFakeSession()
	var buf bytes.Buffer
	out := &console{w: &buf}

	input := strings.Join([]string{
		"hello everyone",
		"",
		"/share cam",
		"/share",
		"/mute",
		"/unshare webcam",
		"/bogus",
		"/quit",
		"never posted",
	}, "\n")

	err := commandLoop(context.Background(), session, strings.NewReader(input), out, logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"hello everyone"}, session.posted)
	assert.False(t, session.shared[domain.StreamWebcam])
	assert.True(t, session.muted)
	assert.Contains(t, buf.String(), "usage: /share")
	assert.Contains(t, buf.String(), "microphone muted")
	assert.Contains(t, buf.String(), "unknown command /bogus")
}

func TestCommandLoop_ShareFailureIsReported(t *testing.T) {
	session := newFakeSession()
	session.shareErr = errors.New("no display")
	var buf bytes.Buffer

	err := commandLoop(context.Background(), session, strings.NewReader("/share screen\n"), &console{w: &buf}, logger.NewNop())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "no display")
}

func TestCommandLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()
	done := make(chan error, 1)
	go func() { done <- commandLoop(ctx, newFakeSession(), r, &console{w: &bytes.Buffer{}}, logger.NewNop()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("command loop ignored cancellation")
	}
}

func TestConsole_PrintsOnlyNewComments(t *testing.T) {
	var buf bytes.Buffer
	c := &console{w: &buf}

	first := []domain.Comment{{ID: "a", Author: "Creator", Text: "hi", Timestamp: 65000}}
	c.comments(first)
	c.comments(append(first, domain.Comment{ID: "b", Author: "Viewer", Text: "yo", Timestamp: 70000}))

	assert.Equal(t, "[1:05] Creator: hi\n[1:10] Viewer: yo\n", buf.String())
}

func TestConsole_PrintsCommentInsertedBeforeShownOnes(t *testing.T) {
	var buf bytes.Buffer
	c := &console{w: &buf}

	a := domain.Comment{ID: "a", Author: "Creator", Text: "a", Timestamp: 10000}
	b := domain.Comment{ID: "b", Author: "Creator", Text: "b", Timestamp: 20000}
	late := domain.Comment{ID: "late", Author: "Viewer", Text: "late", Timestamp: 15000}

	c.comments([]domain.Comment{a, b})
	c.comments([]domain.Comment{a, late, b})

	assert.Equal(t, "[0:10] Creator: a\n[0:20] Creator: b\n[0:15] Viewer: late\n", buf.String())
}
