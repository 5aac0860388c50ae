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
	sessionID := flag.String("session", "", "requested session id (random if empty)")
	title := flag.String("title", "", "session title")
	access := flag.String("access", "open", "access mode: open or approval")
	autoApprove := flag.Bool("auto-approve", false, "approve every viewer request")
	rtpVideo := flag.String("rtp-video", "", "udp addr to ingest encoded video rtp from (e.g. 127.0.0.1:5004)")
	rtpAudio := flag.String("rtp-audio", "", "udp addr to ingest encoded audio rtp from")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	log := zlog.Sugar()

	url := cfg.Client.RelayURL
	if *relayURL != "" {
		url = *relayURL
	}

	var source client.MediaSource
	if *rtpVideo != "" || *rtpAudio != "" {
		var video, audio *client.RTPSource
		if *rtpVideo != "" {
			video = client.NewRTPSource(*rtpVideo,
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", log)
		}
		if *rtpAudio != "" {
			audio = client.NewRTPSource(*rtpAudio,
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", log)
		}
		source = client.NewRTPMediaSource(video, audio)
	} else {
		source = client.NewStaticSource()
	}

	broadcaster := client.NewBroadcaster(client.BroadcasterConfig{
		RelayURL:     url,
		SessionID:    *sessionID,
		Title:        *title,
		Access:       domain.AccessMode(*access),
		ICEServers:   iceServers(cfg),
		RestartLimit: cfg.WebRTC.ICERestartLimit,
		Constraints:  client.Constraints{Audio: true, Video: true},
		AutoApprove:  *autoApprove,
		Backoff: retry.Config{
			MaxAttempts:  cfg.Client.ReconnectAttempts,
			InitialDelay: cfg.Client.ReconnectMinDelay,
			MaxDelay:     cfg.Client.ReconnectMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, source, log)

	broadcaster.OnViewerRequest = func(viewerID domain.ParticipantID) {
		log.Infow("viewer requested access; approving", "viewer", viewerID)
		broadcaster.Approve(viewerID)
	}
	broadcaster.OnViewerCount = func(count int) {
		log.Infow("viewer count changed", "count", count)
	}
	broadcaster.OnStatus = func(remote domain.ParticipantID, state client.NegotiationState, detail string) {
		log.Infow("link status", "viewer", remote, "state", state.String(), "detail", detail)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := broadcaster.Start(ctx); err != nil {
		log.Fatalw("failed to start broadcast", "error", err)
	}
	log.Infow("broadcasting", "session_id", broadcaster.SessionID())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("ending stream")
	broadcaster.Stop()
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}
