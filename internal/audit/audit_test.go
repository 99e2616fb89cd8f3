package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
)

func record(id string) *models.AuditRecord {
	return &models.AuditRecord{
		ID:         id,
		AgentID:    "a1",
		EpisodeKey: "a1/s1/1",
		FocusArea:  models.FocusContext,
		State:      models.StateCommitted,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestStoreSinkPersistsAsynchronously(t *testing.T) {
	s := store.NewMemoryStore("")
	sink := NewStoreSink(s)

	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), record(string(rune('a'+i))))
	}
	sink.Close()

	recs, err := s.ListAudit(context.Background(), store.AuditFilter{AgentID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Errorf("expected 5 audit records after Close, got %d", len(recs))
	}
}

func TestStoreSinkCloseTwice(t *testing.T) {
	sink := NewStoreSink(store.NewMemoryStore(""))
	sink.Close()
	sink.Close() // must not panic
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	const secret = "s3cret"
	got := make(chan *http.Request, 1)
	body := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- r
		body <- b
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, secret)
	sink.Record(context.Background(), record("r1"))
	sink.Close()

	select {
	case r := <-got:
		b := <-body
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(b)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if sig := r.Header.Get("X-Flywheel-Signature"); sig != want {
			t.Errorf("signature mismatch: got %q want %q", sig, want)
		}
		var rec models.AuditRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			t.Fatalf("payload not a record: %v", err)
		}
		if rec.ID != "r1" {
			t.Errorf("unexpected record id %q", rec.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	s1 := store.NewMemoryStore("")
	s2 := store.NewMemoryStore("")
	multi := MultiSink{NewStoreSink(s1), NewStoreSink(s2)}
	multi.Record(context.Background(), record("r1"))
	multi.Close()

	for i, s := range []*store.MemoryStore{s1, s2} {
		recs, err := s.ListAudit(context.Background(), store.AuditFilter{AgentID: "a1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Errorf("sink %d: expected 1 record, got %d", i, len(recs))
		}
	}
}
