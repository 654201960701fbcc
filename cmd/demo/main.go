package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-timer/internal/alarm"
	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/session"
	"github.com/ChuLiYu/beaver-timer/internal/snapshot"
	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
	"github.com/ChuLiYu/beaver-timer/internal/storage/journal"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

const demoSession = "demo-pomodoro"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.DataDir = filepath.Join("data", "demo")
	cfg.Log.Level = "warn"
	logger := cfg.NewLogger(os.Stderr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	store, err := docstore.Open(cfg.StoragePath())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	jr, err := journal.Open(afero.NewOsFs(), cfg.JournalPath(), journal.Options{SyncOnAppend: true})
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer jr.Close()

	ctx := context.Background()
	if mode == "start" {
		if _, err := snapshot.Import(ctx, store, demoData()); err != nil {
			log.Fatalf("Failed to seed demo session: %v", err)
		}
	}
	pending := jr.LastSeq()

	pool := alarm.NewPool(&alarm.BellPlayer{W: os.Stdout}, alarm.Options{Logger: logger})
	if err := pool.Start(1); err != nil {
		log.Fatalf("Failed to start alarm pool: %v", err)
	}
	defer pool.Stop()

	coord := controller.New(store, controller.Config{Alarm: pool, Journal: jr, Retry: cfg.RetryConfig(), Logger: logger})
	coord.Start()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := coord.WaitIdle(waitCtx); err != nil {
		log.Fatalf("Coordinator did not become ready: %v", err)
	}
	fmt.Printf("✓ Coordinator ready (mode: %s)\n", mode)

	if mode == "recover" {
		if err := coord.Flush(ctx); err != nil {
			log.Fatalf("Flush failed: %v", err)
		}
		data, err := snapshot.Export(ctx, store)
		if err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		fmt.Printf("\n📊 After Recovery:\n")
		fmt.Printf("  Journal entries replayed: %d\n", pending)
		fmt.Printf("  Records persisted:        %d\n", len(data.Records))
		fmt.Printf("  Journal entries left:     %d\n", jr.LastSeq())
		fmt.Printf("\n💡 Every finished timer reached the records collection, even across Ctrl+C.\n")
	}

	a, err := coord.Session(ctx, demoSession)
	if err != nil {
		log.Fatalf("Demo session missing, run 'start' first: %v", err)
	}
	a.Send(session.CmdToIntervalMode)
	a.Send(session.CmdStartCurrent)

	fmt.Printf("\n⏱  Running a 4s/2s interval session. Press Ctrl+C at any time to stop.\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			coord.Stop()
			fmt.Println("✓ Coordinator stopped")
			fmt.Println("💡 Run 'go run ./cmd/demo recover' to see the journal reconciled")
			return
		case <-ticker.C:
			st, err := a.Snapshot(ctx)
			if err != nil {
				continue
			}
			if st.Cursor < 0 || st.Cursor >= len(st.Queue) {
				continue
			}
			cur := st.Queue[st.Cursor]
			fmt.Printf("📊 loop=%d  current=%-5s  state=%-7s  left=%s\n",
				st.Loop, cur.Doc.Label, cur.ClockName, (time.Duration(cur.TimeLeft) * time.Millisecond).Round(100*time.Millisecond))
		}
	}
}

func demoData() types.SnapshotData {
	return types.SnapshotData{
		Sessions: []types.Session{{ID: demoSession, Title: "Demo", Index: "1", Timers: []string{"demo-work", "demo-rest"}}},
		Timers: []types.Timer{
			{ID: "demo-work", SessionID: demoSession, Label: "Work", Duration: 4000, Countable: true, CreatedAt: 1},
			{ID: "demo-rest", SessionID: demoSession, Label: "Rest", Duration: 2000, Countable: true, CreatedAt: 2},
		},
	}
}
