package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sjawhar/lea-avatar/internal/audio"
	"github.com/sjawhar/lea-avatar/internal/avatar"
	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/bus"
	"github.com/sjawhar/lea-avatar/internal/config"
	"github.com/sjawhar/lea-avatar/internal/gdrive"
	"github.com/sjawhar/lea-avatar/internal/llm"
	"github.com/sjawhar/lea-avatar/internal/room"
	"github.com/sjawhar/lea-avatar/internal/server"
	"github.com/sjawhar/lea-avatar/internal/session"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/storage"
	"github.com/sjawhar/lea-avatar/internal/telemetry"
	"github.com/sjawhar/lea-avatar/internal/voicechat"
)

const (
	framesPerBuffer = 1024
	historyTurns    = 6
)

func main() {
	configPath := flag.String("config", envOrDefault(config.EnvPrefix+"CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	log.Println("lea-avatar: starting")

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, telemetry.Options{
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		log.Printf("warning: telemetry disabled: %v", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if n, err := store.CloseDangling(time.Now().UTC()); err != nil {
		log.Printf("warning: close dangling sessions: %v", err)
	} else if n > 0 {
		log.Printf("closed %d session(s) left open by a previous run", n)
	}

	gateway := backend.NewGateway(cfg.BackendURL,
		backend.WithTokenSource(backend.StaticToken(cfg.BackendToken)),
		backend.WithDefaultTimeout(cfg.ParsedRequestTimeout()),
	)

	history := llm.NewHistory(historyTurns)
	mgrs := newManagers(cfg, gateway, history)

	recorder := audio.NewRecorder(cfg.AudioDir)
	var mic *audio.Mic
	if err := audio.Initialize(); err != nil {
		log.Printf("warning: audio init failed, voice chat gets no input: %v", err)
	} else {
		defer func() { _ = audio.Terminate() }()
		mic, err = audio.OpenMic(cfg.SampleRateCandidates(), framesPerBuffer)
		if err != nil {
			log.Printf("warning: microphone unavailable, voice chat gets no input: %v", err)
			mic = nil
		} else {
			recorder.SetSampleRate(mic.SampleRate())
			log.Printf("microphone opened at %d Hz", mic.SampleRate())
			defer func() { _ = mic.Close() }()
		}
	}

	deps := voicechat.Deps{
		Speech:        mgrs.speech,
		Talk:          mgrs.talk,
		Responder:     mgrs.response,
		Tap:           recorder.Writer,
		UserID:        cfg.UserID,
		InputLanguage: cfg.InputLanguage,
	}
	if mic != nil {
		deps.Capture = mic
	}

	voiceChats := map[avatar.Provider]voicechat.Manager{
		avatar.ProviderGoogle: voicechat.NewRelay(deps, cfg.RelayURL),
		avatar.ProviderOpenAI: voicechat.NewRealtime(deps, gateway, cfg.RealtimeURL),
	}
	if cfg.DeepgramAPIKey != "" {
		voicechat.InitDeepgram()
		voiceChats[avatar.ProviderDeepgram] = voicechat.NewDeepgram(deps, cfg.DeepgramAPIKey, cfg.DeepgramModel)
	}

	provider, err := avatar.ParseProvider(cfg.VoiceProvider)
	if err != nil {
		provider = avatar.ProviderGoogle
	}

	a := avatar.New(avatar.Deps{
		Backend:    gateway,
		Speech:     mgrs.speech,
		Talk:       mgrs.talk,
		Responder:  mgrs.response,
		Room:       room.LiveKit{},
		VoiceChats: voiceChats,
	}, avatar.Options{
		AvatarID:        cfg.AvatarID,
		UserID:          cfg.UserID,
		DefaultProvider: provider,
	})

	var forwarders []server.Forwarder
	var publisher *bus.Publisher
	if cfg.NATSURL != "" {
		publisher, err = bus.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Printf("warning: event bus disabled: %v", err)
		} else {
			forwarders = append(forwarders, publisher)
		}
	}
	defer publisher.Close()

	hub := server.NewHub(forwarders...)

	var archiver session.Archiver
	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			archiver = syncer
		}
	}

	detector := session.NewDetector(cfg.ParsedIdleTimeout())
	journalMgr := session.NewManager(store, storage.NewWriter(cfg.TranscriptDir), recorder, hub, archiver, detector)
	detector.OnIdle(func() {
		log.Printf("session idle for %s, closing", cfg.ParsedIdleTimeout())
		destroyCtx, destroyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer destroyCancel()
		a.Destroy(destroyCtx)
		endJournal(journalMgr, "idle")
	})

	ctl := journaledController{Controller: a, journal: journalMgr}

	if publisher != nil {
		if _, err := publisher.HandleCommand("speak", speakHandler(ctl)); err != nil {
			log.Printf("warning: bus speak command unavailable: %v", err)
		}
		if _, err := publisher.HandleCommand("interrupt", interruptHandler(ctl)); err != nil {
			log.Printf("warning: bus interrupt command unavailable: %v", err)
		}
	}

	hooks := server.ControlHooks{
		Warnings:       func() []string { return warnings },
		Metrics:        metricsHandler,
		ActiveSessions: gateway.ActiveUsers,
	}
	if publisher != nil {
		hooks.BusConnected = publisher.Healthy
	}
	handler, err := server.Handler(hub, store, ctl, hooks)
	if err != nil {
		log.Fatalf("build http handler failed: %v", err)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: otelhttp.NewHandler(handler, "control-api")}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
	log.Printf("lea-avatar: control API on http://%s", cfg.ListenAddr)

	a.On("journal", journalMgr.Handler())
	err = a.Init(ctx, avatar.InitOptions{
		WithVoiceChat: cfg.VoiceChat,
		Provider:      provider,
		TaskType:      speech.ParseTaskType(cfg.TaskType),
		Callbacks: avatar.Callbacks{
			OnEvent: func(ev room.Event) {
				hub.BroadcastRoomEvent(journalMgr.CurrentSessionID(), room.Name(ev))
			},
			OnConnect: func() {
				log.Println("avatar room connected")
			},
			OnReconnecting: func() {
				log.Println("avatar room reconnecting")
			},
			OnDisconnect: func(reason string) {
				log.Printf("avatar room disconnected: %s", reason)
				endJournal(journalMgr, reason)
			},
			OnError: hub.BroadcastVoiceError,
		},
	})
	if err != nil {
		log.Printf("warning: avatar init failed, serving history only: %v", err)
	} else if sess, ok := a.Current(); ok {
		history.Reset()
		if err := journalMgr.SessionStarted(sess, string(provider)); err != nil {
			log.Printf("warning: journal session start failed: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("lea-avatar: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	detector.Stop()
	a.Destroy(shutdownCtx)
	endJournal(journalMgr, "destroyed")
	journalMgr.Wait()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("warning: telemetry shutdown failed: %v", err)
		}
	}
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
