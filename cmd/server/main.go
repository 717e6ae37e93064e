package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"plateau-stream/internal/api"
	"plateau-stream/internal/config"
	"plateau-stream/internal/fetch"
	"plateau-stream/internal/logger"
	"plateau-stream/internal/mesh"
	redisclient "plateau-stream/internal/redis"
	"plateau-stream/internal/streamer"
	"plateau-stream/internal/ws"
)

func main() {
	_ = godotenv.Load(".env")
	logger.Setup()

	// Load configuration from file and environment
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fetcher streamer.Fetcher = fetch.NewHTTPClient(cfg.FetchTimeout).WithMaxBytes(cfg.MaxTileBytes)

	// Optional Redis tile cache
	var cache api.Pinger
	if cfg.RedisURL != "" {
		tc, err := redisclient.NewTileCache(cfg.RedisURL, fetcher, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer tc.Close()

		fetcher, cache = tc, tc
		log.Println("Connected to Redis tile cache")
	}

	// Create WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	log.Println("WebSocket hub started")

	mask, err := cfg.Mask()
	if err != nil {
		log.Fatalf("Invalid coverage: %v", err)
	}

	id := uuid.New()
	opts := []streamer.Option{streamer.WithID(id)}
	if mask != nil {
		opts = append(opts, streamer.WithMask(mask))
		b := mask.Bounds()
		log.Printf("Coverage mask spans tiles %d,%d to %d,%d (%d tiles)", b.MinX, b.MinY, b.MaxX, b.MaxY, b.Tiles())
	}

	st, err := streamer.New(cfg.Streamer(), fetcher, mesh.PassthroughDecoder{MaxBytes: cfg.MaxTileBytes}, hub.Sink(id.String()), opts...)
	if err != nil {
		log.Fatalf("Failed to create streamer: %v", err)
	}
	if cfg.Start != nil {
		st.SetCurrentPosition(cfg.Start.Lon, cfg.Start.Lat)
	}
	st.Start(ctx)

	log.Printf("Streamer %s started", st.ID())

	handler := api.NewHandler(st, hub, cache, api.Config{WSWriteBuffer: cfg.WSWriteBuffer}, mask)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	st.Stop()
}
