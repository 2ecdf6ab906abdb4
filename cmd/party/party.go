package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/services"
	"watchparty/internal/infrastructure/commentlog"
	"watchparty/internal/infrastructure/media"
	webrtcinfra "watchparty/internal/infrastructure/webrtc"
	"watchparty/pkg/circuitbreaker"
	"watchparty/pkg/config"
	"watchparty/pkg/logger"
	"watchparty/pkg/retry"
	"watchparty/pkg/utils"
	"watchparty/pkg/validation"

	"go.uber.org/zap"
)

type partyOptions struct {
	creator bool
	room    string
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagWebcam {
		cfg.Party.Features.Webcam = true
	}
	if flagVoice {
		cfg.Party.Features.Voice = true
	}
	if flagDeviceCam != "" {
		cfg.Party.Devices.Webcam = flagDeviceCam
	}
	if flagDeviceDisp != "" {
		cfg.Party.Devices.Display = flagDeviceDisp
	}
	if flagDeviceMic != "" {
		cfg.Party.Devices.Microphone = flagDeviceMic
	}
	if err := validation.ValidateURL(cfg.Party.APIURL); err != nil {
		return nil, fmt.Errorf("party.api_url: %w", err)
	}
	if err := validation.ValidateURL(cfg.Party.SignalURL); err != nil {
		return nil, fmt.Errorf("party.signal_url: %w", err)
	}
	return cfg, nil
}

func runParty(ctx context.Context, opts partyOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	role := domain.RoleViewer
	var room domain.RoomID
	if opts.creator {
		role = domain.RoleCreator
	} else {
		entry, err := domain.ParseRoomURL(opts.room)
		if err != nil {
			return err
		}
		room = entry.Code
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("role", role)
	log.Debugw("Configuration loaded",
		"signal_url", cfg.Party.SignalURL,
		"api_url", cfg.Party.APIURL,
		"api_key", utils.MaskSensitive(cfg.Party.APIKey, 4))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	platform, err := webrtcinfra.NewPlatform(webrtcinfra.ConfigFrom(cfg), log)
	if err != nil {
		return err
	}
	display := media.NewPlaybackSink(flagRecordDir, log)
	defer display.Close()

	env := media.NewEnvironment(media.Devices{
		Webcam:     cfg.Party.Devices.Webcam,
		Display:    cfg.Party.Devices.Display,
		Microphone: cfg.Party.Devices.Microphone,
	}, log)

	comments := commentlog.NewClient(commentlog.Options{
		BaseURL: cfg.Party.APIURL,
		APIKey:  cfg.Party.APIKey,
		Author:  role.Author(),
		Retry:   retry.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(),
	}, log)

	out := &console{w: os.Stdout}
	session := services.NewSession(services.SessionConfig{
		Role:         role,
		Room:         room,
		Features:     domain.Features{Webcam: cfg.Party.Features.Webcam, Voice: cfg.Party.Features.Voice},
		ProbeTimeout: cfg.Party.ProbeTimeout,
	}, services.SessionDeps{
		Endpoint:   services.NewEndpoint(platform, log),
		Registry:   services.NewConnectionRegistry(log),
		Capture:    services.NewMediaCapture(env, display, cfg.Party.CaptureRetryDelay, log),
		Comments:   comments,
		Display:    display,
		Logger:     log,
		OnComments: out.comments,
	})

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("enter room: %w", err)
	}
	defer session.Leave()

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnw("Session stopped", "error", err)
		}
	}()

	if role == domain.RoleCreator {
		entry := domain.RoomEntry{Code: session.Room(), Role: domain.RoleViewer}
		out.printf("Room open. Viewers join with:\n  party join %s%s\n", strings.TrimRight(cfg.Party.APIURL, "/"), entry.Path())
	} else {
		out.printf("Joined room %s\n", session.Room())
	}

	joined := time.Now()
	err = commandLoop(ctx, session, os.Stdin, out, log)
	out.printf("Left room %s after %s\n", session.Room(), utils.FormatDuration(time.Since(joined)))
	return err
}

// console serializes output from the command loop and comment updates.
type console struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]bool
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// comments prints the entries of a snapshot that were not printed before. A
// late comment can sort before ones already shown, so position says nothing.
func (c *console) comments(list []domain.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.printed == nil {
		c.printed = make(map[string]bool)
	}
	for _, comment := range list {
		key := commentKey(comment)
		if c.printed[key] {
			continue
		}
		c.printed[key] = true
		fmt.Fprintf(c.w, "[%s] %s: %s\n", utils.FormatOffset(comment.Timestamp), comment.Author, comment.Text)
	}
}

func commentKey(comment domain.Comment) string {
	if comment.ID != "" {
		return comment.ID
	}
	return fmt.Sprintf("%s|%d|%s", comment.Author, comment.Timestamp, comment.Text)
}

type commandSession interface {
	EnableShare(ctx context.Context, kind domain.StreamKind) error
	DisableShare(kind domain.StreamKind) error
	ToggleMute() (bool, error)
	PostComment(ctx context.Context, text string) (domain.Comment, error)
	State() domain.SessionState
	Room() domain.RoomID
	Sharing() []domain.StreamKind
	Connections() []domain.Connection
}

// commandLoop reads lines until /quit, end of input or ctx is done.
func commandLoop(ctx context.Context, session commandSession, in io.Reader, out *console, log *zap.SugaredLogger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := runCommand(ctx, session, strings.TrimSpace(line), out, log); quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, session commandSession, line string, out *console, log *zap.SugaredLogger) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := session.PostComment(ctx, line); err != nil {
			out.printf("comment not posted: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/leave":
		return true
	case "/share", "/unshare":
		if len(fields) < 2 {
			out.printf("usage: %s <screen|webcam|voice>\n", fields[0])
			return false
		}
		kind, err := domain.ParseStreamKind(fields[1])
		if err != nil {
			out.printf("%v\n", err)
			return false
		}
		if fields[0] == "/share" {
			err = session.EnableShare(ctx, kind)
		} else {
			err = session.DisableShare(kind)
		}
		if err != nil {
			out.printf("%s %s failed: %v\n", fields[0][1:], kind, err)
			return false
		}
		log.Debugw("Share changed", "command", fields[0], "kind", kind)
	case "/mute":
		muted, err := session.ToggleMute()
		if err != nil {
			out.printf("mute failed: %v\n", err)
			return false
		}
		if muted {
			out.printf("microphone muted\n")
		} else {
			out.printf("microphone live\n")
		}
	case "/status":
		out.printf("room %s, state %s, sharing %v, %d connection(s)\n",
			session.Room(), session.State(), session.Sharing(), len(session.Connections()))
	default:
		out.printf("unknown command %s\n", fields[0])
	}
	return false
}
