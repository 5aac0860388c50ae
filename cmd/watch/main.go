package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hood-Codivo/streamcast/internal/client"
	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/pkg/config"
	"github.com/Hood-Codivo/streamcast/pkg/logger"
	"github.com/Hood-Codivo/streamcast/pkg/retry"

	"github.com/pion/webrtc/v3"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	relayURL := flag.String("relay", "", "relay websocket url (overrides config)")
	sessionID := flag.String("session", "", "session id to watch")
	credential := flag.String("token", "", "join token for approval-gated sessions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	log := zlog.Sugar()

	if *sessionID == "" {
		log.Fatal("-session is required")
	}

	url := cfg.Client.RelayURL
	if *relayURL != "" {
		url = *relayURL
	}

	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	viewer := client.NewViewer(client.ViewerConfig{
		RelayURL:     url,
		SessionID:    domain.SessionID(*sessionID),
		Credential:   *credential,
		ICEServers:   servers,
		OfferTimeout: cfg.Client.OfferTimeout,
		Backoff: retry.Config{
			MaxAttempts:  cfg.Client.ReconnectAttempts,
			InitialDelay: cfg.Client.ReconnectMinDelay,
			MaxDelay:     cfg.Client.ReconnectMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, log)

	done := make(chan struct{})

	viewer.OnTrack = func(remote domain.ParticipantID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Infow("receiving media", "broadcaster", remote, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		// Drain the track; a real player would decode and render here.
		go func() {
			buf := make([]byte, 1600)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	viewer.OnStatus = func(remote domain.ParticipantID, state client.NegotiationState, detail string) {
		log.Infow("link status", "broadcaster", remote, "state", state.String(), "detail", detail)
	}
	viewer.OnViewerCount = func(count int) {
		log.Infow("viewer count changed", "count", count)
	}
	viewer.OnEnded = func(reason string) {
		log.Infow("watch ended", "reason", reason)
		select {
		case <-done:
		default:
			close(done)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := viewer.Watch(ctx); err != nil {
		log.Fatalw("failed to join session", "error", err)
	}
	log.Infow("watching", "session_id", *sessionID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("leaving")
	case <-done:
	}
	viewer.Stop()
}
