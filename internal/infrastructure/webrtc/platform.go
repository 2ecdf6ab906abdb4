package webrtc

import (
	"context"
	"fmt"
	"time"

	"watchparty/internal/core/ports"
	"watchparty/pkg/config"
	"watchparty/pkg/retry"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config describes how peers reach the broker and each other.
type Config struct {
	SignalURL   string
	ICEServers  []webrtc.ICEServer
	OpenTimeout time.Duration
	PortRange   struct {
		Min uint16
		Max uint16
	}
	Retry retry.Config
}

func ConfigFrom(cfg *config.Config) Config {
	out := Config{
		SignalURL:   cfg.Party.SignalURL,
		OpenTimeout: cfg.Party.OpenTimeout,
		Retry:       retry.DefaultConfig(),
	}
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// Platform opens peers on a broker. Every peer shares one pion API.
type Platform struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewPlatform(cfg Config, logger *zap.SugaredLogger) (*Platform, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &Platform{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger: logger,
	}, nil
}

// Open dials the broker, retrying with backoff, and returns once an id has
// been assigned.
func (p *Platform) Open(ctx context.Context) (ports.PlatformPeer, error) {
	if p.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.OpenTimeout)
		defer cancel()
	}

	cfg := p.cfg.Retry
	cfg.NonRetryable = append(append([]error(nil), cfg.NonRetryable...), ErrBrokerRejected)

	broker, err := retry.Do(ctx, cfg, func(attempt int) (*BrokerClient, error) {
		if attempt > 0 {
			p.logger.Warnw("Retrying broker connection", "url", p.cfg.SignalURL, "attempt", attempt)
		}
		return DialBroker(ctx, p.cfg.SignalURL, p.logger)
	})
	if err != nil {
		return nil, err
	}

	peer := newPeer(broker, p.api, p.cfg.ICEServers, p.logger)
	go peer.serve()
	return peer, nil
}

var _ ports.PeerPlatform = (*Platform)(nil)
