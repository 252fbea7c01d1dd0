package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/config"
	serverhttp "github.com/amanullahtanweer/voicemeet-recorder/internal/http"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/merge"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/pipeline"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/server"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/store"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/transcriber"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.Recording.Path, 0755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.Recording.Path).Msg("Failed to create recordings directory")
	}

	// Voice gateway
	srv, err := server.New(server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		PromptDir: cfg.Server.PromptDir,

		VoiceThreshold: float64(cfg.Server.VoiceThreshold),
		Hangover:       cfg.Recording.Silence,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	st, closeStore := newStore(cfg)
	defer closeStore()

	settings := cfg.AudioSettings()
	ffmpeg := merge.NewFFmpegMixer(cfg.Merge.FFmpegPath, settings)
	var mixer merge.Mixer = ffmpeg
	if cfg.Merge.Mixer == "native" {
		mixer = merge.NewNativeMixer(settings)
	}
	engine := merge.NewEngine(mixer, settings, cfg.MergeConfig(), log.Logger)

	tr, err := transcriber.New(cfg.Transcription, ffmpeg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create transcriber")
	}
	defer tr.Close()

	timeouts := pipeline.DefaultTimeouts()
	if cfg.Transcription.Timeout > 0 {
		timeouts.Transcribe = cfg.Transcription.Timeout
	}
	opts := []pipeline.ProcessorOption{pipeline.WithTimeouts(timeouts)}
	if cfg.Summary.Enabled {
		opts = append(opts, pipeline.WithSummarizer(transcriber.NewChatSummarizer(cfg.Transcription, cfg.Summary.Model, log.Logger)))
	}
	if cfg.Core.URL != "" {
		opts = append(opts, pipeline.WithNotifier(pipeline.NewCoreClient(cfg.Core.URL, cfg.Core.Timeout, log.Logger)))
	} else {
		log.Warn().Msg("CORE_URL not set, transcriptions will not be forwarded")
	}
	processor := pipeline.NewProcessor(cfg.Recording.Path, engine, tr, st, log.Logger, opts...)

	recorder := pipeline.NewRecorder(srv, cfg.Recording.Path, st, processor, pipeline.RecorderConfig{
		Silence:     cfg.Recording.Silence,
		StopGrace:   cfg.Recording.StopGrace,
		AutoProcess: cfg.Recording.AutoProcess,
	}, log.Logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      serverhttp.NewRouter(recorder, processor, log.Logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	// Start servers in background
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("AudioSocket server error")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, ok := recorder.Current(); ok {
		if _, err := recorder.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop recording")
		}
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	srv.Stop()
	processor.Wait()
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		lvl = l
	}
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.Level(lvl)
}

// newStore uses Redis when configured and reachable, memory otherwise.
func newStore(cfg *config.Config) (store.Store, func()) {
	if cfg.Redis.Addr == "" {
		return store.NewMemory(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, keeping meeting state in memory")
		client.Close()
		return store.NewMemory(), func() {}
	}
	log.Info().Str("addr", cfg.Redis.Addr).Str("namespace", cfg.Redis.Namespace).Msg("Using Redis store")
	return store.NewRedis(client, cfg.Redis.Prefix, cfg.Redis.Namespace), func() { client.Close() }
}
