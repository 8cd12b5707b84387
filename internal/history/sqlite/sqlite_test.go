package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/loykin/tapline/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://"+dbPath, "")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for _, e := range []history.Event{
		history.NewEvent(history.EventStarted, 1, 3, ""),
		history.NewEvent(history.EventReloadRejected, 1, 3, "unknown type"),
		history.NewEvent(history.EventStopped, 1, 3, ""),
	} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.DefaultTable).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 rows, got %d", count)
	}

	var detail sql.NullString
	if err := sink.DB().QueryRowContext(ctx, "SELECT detail FROM "+history.DefaultTable+" WHERE event = ?", "reload_rejected").Scan(&detail); err != nil {
		t.Fatalf("select detail: %v", err)
	}
	if !detail.Valid || detail.String != "unknown type" {
		t.Fatalf("detail = %+v", detail)
	}
}

func TestSQLiteSink_InMemoryCustomTable(t *testing.T) {
	sink, err := New(":memory:", "events")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), history.NewEvent(history.EventQuit, 2, 0, "")); err != nil {
		t.Fatalf("send: %v", err)
	}
	var event string
	if err := sink.DB().QueryRow("SELECT event FROM events").Scan(&event); err != nil {
		t.Fatalf("select: %v", err)
	}
	if event != "quit" {
		t.Fatalf("event = %q", event)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  ", ""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
