package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"redline/api/internal/app"
	"redline/api/internal/archive"
	"redline/api/internal/config"
	"redline/api/internal/crdt"
	"redline/api/internal/presence"
	"redline/api/internal/room"
	"redline/api/internal/search"
	"redline/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archiveService := archive.New(cfg.ArchiveDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	// Redis fans presence events and document updates across instances.
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer client.Close()
	relay := room.NewRedisRelay(client)
	tracker := presence.NewTracker(client, cfg.PresenceTTL, cfg.TypingTTL)

	load := func(ctx context.Context, docID string) ([]byte, error) {
		return loadDocState(ctx, dataStore, docID)
	}
	save := func(ctx context.Context, docID string, state *crdt.State) error {
		return dataStore.UpsertDocState(ctx, docID, state.Serialize())
	}
	hub := room.NewHub([]byte(cfg.RoomKey), relay, load, save, cfg.AutosaveInterval)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		hub.Start(hubCtx)
		close(hubDone)
	}()

	service := app.New(cfg, dataStore, hub, archiveService, searchService)
	httpServer := app.NewHTTPServer(service, hub, tracker, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long-polls for document updates hold the response open.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Redline API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Stopping the hub flushes every dirty room before exit.
	stopHub()
	<-hubDone
}

// loadDocState returns the persisted live replica for a document. A blob
// that no longer decodes is rebuilt from the latest snapshot's structured
// content; only the unsynced delta since that snapshot is lost.
func loadDocState(ctx context.Context, dataStore *store.PostgresStore, docID string) ([]byte, error) {
	raw, err := dataStore.GetDocState(ctx, docID)
	if err != nil || raw == nil {
		return raw, err
	}
	if _, err := crdt.Load(raw, "probe:"+docID); err == nil {
		return raw, nil
	} else if !errors.Is(err, crdt.ErrCorruptState) {
		return nil, err
	}

	log.Printf("WARNING: corrupt replica state for %s, reseeding from latest snapshot", docID)
	latest, err := dataStore.LatestVersionNumber(ctx, docID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, nil
	}
	snapshot, err := dataStore.GetSnapshot(ctx, docID, latest)
	if err != nil {
		return nil, err
	}
	var doc crdt.Node
	if err := json.Unmarshal(snapshot.ContentStructured, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot content: %w", err)
	}
	recovered := crdt.NewState("recovery:" + docID)
	recovered.SetContent(doc)
	raw = recovered.Serialize()
	if err := dataStore.UpsertDocState(ctx, docID, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
