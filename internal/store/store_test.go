package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleContext(id string) *models.ConversationContext {
	c := models.NewConversationContext(id)
	c.Lang = "it"
	c.Name = "Mario"
	c.State = models.StateAskSlot
	c.Stage = models.StageScheduling
	c.Channel = models.ChannelWhatsApp
	c.ClarifyCount = 2
	c.TurnCount = 7
	c.SetSlot(models.SlotService, "consulenza fiscale")
	c.SetSlot(models.SlotCandidateSlots, "2025-01-02T10:00:00Z,2025-01-02T11:00:00Z")
	c.AppendHistory(models.RoleUser, "ciao", time.Now().UTC().Truncate(time.Second))
	c.AppendHistory(models.RoleAssistant, "Come ti chiami?", time.Now().UTC().Truncate(time.Second))
	return c
}

// assertRoundTrip checks the fields a reload must preserve.
func assertRoundTrip(t *testing.T, want, got *models.ConversationContext) {
	t.Helper()
	if got == nil {
		t.Fatal("expected context, got nil")
	}
	if got.Name != want.Name || got.Lang != want.Lang || got.State != want.State {
		t.Errorf("scalar fields differ: got name=%q lang=%q state=%s", got.Name, got.Lang, got.State)
	}
	if got.ClientType != want.ClientType || got.Stage != want.Stage || got.Channel != want.Channel {
		t.Errorf("enum fields differ: %+v", got)
	}
	if got.ClarifyCount != want.ClarifyCount || got.TurnCount != want.TurnCount {
		t.Errorf("counters differ: clarify=%d turns=%d", got.ClarifyCount, got.TurnCount)
	}
	if !reflect.DeepEqual(got.Slots, want.Slots) {
		t.Errorf("slots differ: got %v want %v", got.Slots, want.Slots)
	}
	if len(got.History) != len(want.History) || got.History[1].Content != want.History[1].Content {
		t.Errorf("history differs: %+v", got.History)
	}
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	c := sampleContext("+391111")

	if err := s.PutContext(ctx, c); err != nil {
		t.Fatalf("PutContext failed: %v", err)
	}
	got, err := s.GetContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	assertRoundTrip(t, c, got)

	// Mutating the returned copy must not leak into the store.
	got.SetSlot(models.SlotService, "changed")
	again, _ := s.GetContext(ctx, c.ID)
	if again.Slot(models.SlotService) != "consulenza fiscale" {
		t.Error("InMemoryStore returned a shared reference")
	}
}

func TestInMemoryStoreMissingAndDelete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	got, err := s.GetContext(ctx, "nobody")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for missing context, got (%v, %v)", got, err)
	}
	if _, err := s.GetContext(ctx, ""); !errors.Is(err, models.ErrEmptyIdentifier) {
		t.Errorf("expected ErrEmptyIdentifier, got %v", err)
	}

	_ = s.PutContext(ctx, sampleContext("a"))
	_ = s.PutContext(ctx, sampleContext("b"))
	list, _ := s.ListContexts(ctx)
	if len(list) != 2 || list[0].ID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if err := s.DeleteContext(ctx, "a"); err != nil {
		t.Fatalf("DeleteContext failed: %v", err)
	}
	if got, _ := s.GetContext(ctx, "a"); got != nil {
		t.Error("context still present after delete")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	c := sampleContext("+392222")

	if err := s.PutContext(ctx, c); err != nil {
		t.Fatalf("PutContext failed: %v", err)
	}
	got, err := s.GetContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	assertRoundTrip(t, c, got)

	// Put is idempotent and last-write-wins.
	c.State = models.StateAskPayment
	if err := s.PutContext(ctx, c); err != nil {
		t.Fatalf("second PutContext failed: %v", err)
	}
	if err := s.PutContext(ctx, c); err != nil {
		t.Fatalf("repeated PutContext failed: %v", err)
	}
	got, _ = s.GetContext(ctx, c.ID)
	if got.State != models.StateAskPayment {
		t.Errorf("expected ASK_PAYMENT after overwrite, got %s", got.State)
	}
	list, err := s.ListContexts(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListContexts = (%d, %v)", len(list), err)
	}
}

func TestSQLiteStoreMissingContext(t *testing.T) {
	s := newTestSQLiteStore(t)
	got, err := s.GetContext(context.Background(), "ghost")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", got, err)
	}
}

func TestSQLiteStoreClosedDBReportsPersistenceUnavailable(t *testing.T) {
	s := newTestSQLiteStore(t)
	s.Close()
	_, err := s.GetContext(context.Background(), "x")
	if !errors.Is(err, models.ErrPersistenceUnavailable) {
		t.Errorf("expected ErrPersistenceUnavailable, got %v", err)
	}
}

func TestSQLiteStoreReopenKeepsContexts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	c := sampleContext("+393333")
	if err := s1.PutContext(context.Background(), c); err != nil {
		t.Fatalf("PutContext failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetContext(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetContext after reopen failed: %v", err)
	}
	assertRoundTrip(t, c, got)
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	ctx := context.Background()
	c := sampleContext("+39pg-test")
	pgStore.db.Exec("DELETE FROM conversation_contexts WHERE id = $1", c.ID)

	if err := pgStore.PutContext(ctx, c); err != nil {
		t.Fatalf("PutContext failed: %v", err)
	}
	got, err := pgStore.GetContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	assertRoundTrip(t, c, got)
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost dbname=consult": "postgres",
		"/var/lib/consultpipe/state.db": "sqlite3",
		"file:state.db?_foreign_keys=on": "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
