package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vetline/internal/config"
	"vetline/internal/db"
	"vetline/internal/engine"
	"vetline/internal/executor"
	"vetline/internal/migrate"
)

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	d := &webhookDispatcher{cursors: map[int]int64{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("vetline"), executor.DemoRegistry())
	if _, err := eng.InitProject(ctx, "vetline", "", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}

	var mu sync.Mutex
	var delivered []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = append(delivered, r.Header.Get("X-Vetline-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	hook := config.WebhookConfig{URL: ts.URL, Events: []string{"project.init"}}
	d := &webhookDispatcher{
		engine:   eng,
		project:  "vetline",
		webhooks: []config.WebhookConfig{hook},
		client:   ts.Client(),
		cursors:  map[int]int64{0: 0},
	}
	d.dispatchWebhook(ctx, 0, hook)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "project.init" {
		t.Fatalf("expected one project.init delivery, got %v", delivered)
	}
	d.mu.Lock()
	cursor := d.cursors[0]
	d.mu.Unlock()
	if cursor == 0 {
		t.Fatal("cursor should advance past the delivered event")
	}
}
