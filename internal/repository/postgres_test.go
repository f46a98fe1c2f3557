package repository

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestNewPostgresRepositoryOptions(t *testing.T) {
	r := NewPostgresRepository(nil)
	if r.notifyChannel != defaultNotifyChannel || r.EventBatchSize() != defaultEventBatchSize {
		t.Fatalf("defaults = (%q, %d), want (%q, %d)", r.notifyChannel, r.EventBatchSize(), defaultNotifyChannel, defaultEventBatchSize)
	}

	r = NewPostgresRepository(nil, WithNotifyChannel("  custom  "), WithEventBatchSize(25), WithEventBatchSize(0))
	if r.notifyChannel != "custom" {
		t.Fatalf("notifyChannel = %q, want custom", r.notifyChannel)
	}
	if r.EventBatchSize() != 25 {
		t.Fatalf("EventBatchSize() = %d, want 25", r.EventBatchSize())
	}
}

func TestNormalizeNotifyChannel(t *testing.T) {
	if got := normalizeNotifyChannel(""); got != defaultNotifyChannel {
		t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, defaultNotifyChannel)
	}
	if got := normalizeNotifyChannel("  custom_events  "); got != "custom_events" {
		t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, "custom_events")
	}
}

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, "null")); got != "null" {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, "null")
	}
	if got := string(ensureJSON(json.RawMessage(`7`), "null")); got != `7` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `7`)
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(RegionEvent{
		EventID:   7,
		Kind:      EventFlagSet,
		Dimension: "overworld",
		RegionID:  "spawn",
		Payload:   json.RawMessage(`"deny"`),
	})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var message struct {
		EventID  int64  `json:"event_id"`
		Kind     string `json:"kind"`
		RegionID string `json:"region_id"`
		Payload  any    `json:"payload"`
	}
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		t.Fatalf("unmarshal notify payload: %v", err)
	}
	if message.EventID != 7 || message.Kind != EventFlagSet || message.RegionID != "spawn" {
		t.Fatalf("unexpected notify payload envelope: %+v", message)
	}
	if message.Payload != nil {
		t.Fatalf("notify payload carries the value %v, want it omitted", message.Payload)
	}
}

func TestMarshalGeometry(t *testing.T) {
	raw, err := marshalGeometry(Region{Priority: 3, Min: [3]float64{1, 2, 3}, Max: [3]float64{4, 5, 6}})
	if err != nil {
		t.Fatalf("marshalGeometry() error = %v", err)
	}
	if want := `{"priority":3,"min":[1,2,3],"max":[4,5,6]}`; string(raw) != want {
		t.Fatalf("marshalGeometry() = %s, want %s", raw, want)
	}
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("region_events"); got != `LISTEN "region_events"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "region_events"`)
	}
}

func TestNoRows(t *testing.T) {
	if err := noRows(pgconn.NewCommandTag("DELETE 1"), "delete region"); err != nil {
		t.Fatalf("noRows(delete 1) error = %v, want nil", err)
	}
	if err := noRows(pgconn.NewCommandTag("DELETE 0"), "delete region"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("noRows(delete 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
}
