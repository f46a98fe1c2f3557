package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	regionflagz "github.com/matt-riley/regionflagz/clients/go"
	rfhttp "github.com/matt-riley/regionflagz/clients/go/http"
)

const testPlayer = "4d3c2b1a-0000-4000-8000-000000000001"

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *rfhttp.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := rfhttp.NewHTTPClient(rfhttp.Config{
		BaseURL: srv.URL + "/",
		Token:   "ops.secret",
	})
	return srv, c
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer ops.secret" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer ops.secret")
	}
}

// -- read tests --------------------------------------------------------------

func TestListFlags(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/flags" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"name":"pvp","type":"state"},{"name":"height","type":"integer"}]`)
	})
	flags, err := c.ListFlags(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(flags) != 2 || flags[1] != (regionflagz.Flag{Name: "height", Type: "integer"}) {
		t.Errorf("unexpected flags: %+v", flags)
	}
}

func TestGetValue(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.URL.Path != "/v1/players/"+testPlayer+"/flags/pvp" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintf(w, `{"player":%q,"flag":"pvp","type":"state","value":"deny"}`, testPlayer)
	})
	v, err := c.GetValue(context.Background(), testPlayer, "pvp")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Present || v.Value != "deny" || v.Type != "state" || v.Player != testPlayer {
		t.Errorf("unexpected value: %+v", v)
	}
}

func TestGetValueAbsent(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"player":%q,"flag":"speed","type":"double","value":null}`, testPlayer)
	})
	v, err := c.GetValue(context.Background(), testPlayer, "speed")
	if err != nil {
		t.Fatal(err)
	}
	if v.Present || v.Value != nil {
		t.Errorf("expected absent value, got %+v", v)
	}
}

func TestGetValueNotFound(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"player not found"}`)
	})
	_, err := c.GetValue(context.Background(), testPlayer, "pvp")
	var apiErr *rfhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	if apiErr.Message != "player not found" {
		t.Errorf("message: got %q, want %q", apiErr.Message, "player not found")
	}
}

func TestListRegions(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"dimension":"overworld","id":"spawn","priority":2,"min":[0,0,0],"max":[10,64,10],"global":false,"flags":{"pvp":"deny"}}]`)
	})
	regions, err := c.ListRegions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 1 {
		t.Fatalf("want 1 region, got %d", len(regions))
	}
	got := regions[0]
	if got.ID != "spawn" || got.Priority != 2 || got.Max[1] != 64 || got.Flags["pvp"] != "deny" {
		t.Errorf("unexpected region: %+v", got)
	}
}

// -- RegionManager tests -----------------------------------------------------

func TestPutRegion(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPut || r.URL.Path != "/v1/regions/overworld/spawn" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["priority"] != float64(3) {
			t.Errorf("unexpected priority: %v", body["priority"])
		}
		if _, ok := body["flags"]; ok {
			t.Error("flags must not be sent with the geometry")
		}
		w.WriteHeader(http.StatusOK)
	})
	err := c.PutRegion(context.Background(), regionflagz.Region{
		Dimension: "overworld",
		ID:        "spawn",
		Priority:  3,
		Max:       [3]float64{10, 10, 10},
		Flags:     map[string]any{"pvp": "deny"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetAndUnsetRegionFlag(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.EscapedPath())
		mu.Unlock()
		if r.Method == http.MethodPut {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Error(err)
			}
			if body["value"] != float64(64) {
				t.Errorf("unexpected value: %v", body["value"])
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()
	if err := c.SetRegionFlag(ctx, "the end", "__global__", "height", 64); err != nil {
		t.Fatal(err)
	}
	if err := c.UnsetRegionFlag(ctx, "the end", "__global__", "height"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"PUT /v1/regions/the%20end/__global__/flags/height",
		"DELETE /v1/regions/the%20end/__global__/flags/height",
	}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("calls: got %v, want %v", calls, want)
	}
}

func TestDeleteRegionForbidden(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"mutations are disabled"}`)
	})
	err := c.DeleteRegion(context.Background(), "overworld", "spawn")
	var apiErr *rfhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 APIError, got %v", err)
	}
}

// -- SSE streaming tests -----------------------------------------------------

func TestWatch(t *testing.T) {
	events := []string{
		"id: 1\nevent: value\ndata: {\"player\":\"p\",\"flag\":\"height\",\"type\":\"integer\",\"value\":1}\n\n",
		": heartbeat\n\n",
		"id: 2\nevent: value\ndata: {\"player\":\"p\",\"flag\":\"height\",\"type\":\"integer\",\"value\":null}\n\n",
		"event: closed\ndata: {}\n\n",
	}

	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/players/p/flags/height/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Watch(ctx, "p", "height")
	if err != nil {
		t.Fatal(err)
	}

	var received []regionflagz.Update
	for u := range ch {
		received = append(received, u)
	}

	if len(received) != 3 {
		t.Fatalf("want 3 updates, got %d: %+v", len(received), received)
	}
	if !received[0].Value.Present || received[0].Value.Value != float64(1) {
		t.Errorf("update 0: %+v", received[0])
	}
	if received[1].Value.Present || received[1].Err != nil {
		t.Errorf("update 1: %+v", received[1])
	}
	if !errors.Is(received[2].Err, regionflagz.ErrPlayerDisconnected) {
		t.Errorf("update 2: %+v, want ErrPlayerDisconnected", received[2])
	}
}

func TestWatchRejected(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"flag not found"}`)
	})
	_, err := c.Watch(context.Background(), "p", "missing")
	var apiErr *rfhttp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestWatchContextCancellation(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Watch(ctx, "p", "height")
	if err != nil {
		t.Fatal(err)
	}

	time.AfterFunc(100*time.Millisecond, cancel)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for watch channel to close")
		}
	}
}
