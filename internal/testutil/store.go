package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/nfcbridge/internal/db"
	"github.com/g960059/nfcbridge/internal/model"
)

// NewStore opens a migrated store in a temp dir that is closed on cleanup.
func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "nfcbridge-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedCardReads inserts one read of uid per timestamp on reader 0.
func SeedCardReads(t *testing.T, store *db.Store, ctx context.Context, uid string, at ...time.Time) {
	t.Helper()
	for _, ts := range at {
		read := model.CardRead{UID: uid, UIDType: "ISO14443A", ReaderName: "ACR122U", ReadAt: ts}
		if _, err := store.InsertCardRead(ctx, read); err != nil {
			t.Fatalf("seed card read: %v", err)
		}
	}
}
