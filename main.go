package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/shepherd/internal/control"
	"github.com/vietddude/shepherd/internal/engine/sim"
	"github.com/vietddude/shepherd/internal/fault/breaker"
	"github.com/vietddude/shepherd/internal/fault/health"
	"github.com/vietddude/shepherd/internal/fault/isolation"
	"github.com/vietddude/shepherd/internal/fault/recovery"
	"github.com/vietddude/shepherd/internal/source"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}

	stylelog.InitDefault(&tint.Options{TimeFormat: time.RFC3339})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Create a scripted engine so the demo runs without real streams
	eng := sim.New()
	eng.ScriptReconnect("rtsp://cam-flaky/stream",
		errors.New("connection refused"),
		errors.New("connection refused"),
		nil, // third attempt succeeds
	)

	// 2. Build the controller with fast demo timings
	cfg := control.Config{
		Port: 8080,
		Sources: source.Config{
			MaxSources:     8,
			ConnectTimeout: 2 * time.Second,
		},
		Breaker: breaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OpenDuration:     5 * time.Second,
		},
		Recovery: recovery.Config{
			MaxAttempts: 5,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
		},
		Health: health.Config{
			ProbeInterval: 500 * time.Millisecond,
			ProbeTimeout:  200 * time.Millisecond,
			StaleTimeout:  3 * time.Second,
		},
		Isolation: isolation.Config{
			MaxConcurrentRecoveries: 2,
		},
	}

	app, err := control.NewController(cfg, eng)
	if err != nil {
		log.Fatalf("Failed to initialize controller: %v", err)
	}

	// 3. Watch the event stream
	events, unsubscribe := app.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			fmt.Printf("[EVENT] source=%d %s: %s -> %s\n", ev.SourceID, ev.Type, ev.OldState, ev.NewState)
		}
	}()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	// 4. Add two sources: one stable, one scripted to fail and recover
	stable, err := app.AddSource(ctx, "rtsp://cam-stable/stream")
	if err != nil {
		log.Fatalf("Failed to add source: %v", err)
	}
	flaky, err := app.AddSource(ctx, "rtsp://cam-flaky/stream")
	if err != nil {
		log.Fatalf("Failed to add source: %v", err)
	}
	fmt.Printf("Added sources: stable=%d flaky=%d\n", stable, flaky)

	time.Sleep(time.Second)

	// 5. Inject a failure on the flaky source and let recovery run
	eng.SetErrorFlag("rtsp://cam-flaky/stream", true)
	fmt.Println("Injected error flag on flaky source, waiting for recovery...")

	time.Sleep(10 * time.Second)

	// 6. Show the final state of every source
	fmt.Println("\n=== Final Source States ===")
	for _, info := range app.ListActiveSources() {
		fmt.Printf("source %d (%s): state=%s lastError=%q\n", info.ID, info.URI, info.State, info.LastError)
	}
	fmt.Printf("Reconnect attempts against flaky source: %d\n", eng.ReconnectCalls("rtsp://cam-flaky/stream"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Fatalf("Error during shutdown: %v", err)
	}
}
