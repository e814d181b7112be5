// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/offlinesync/internal/connectivity"
	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/remote/remotetest"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
	ws "github.com/tomtom215/offlinesync/internal/websocket"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

type testEnv struct {
	srv     *httptest.Server
	engine  *engine.Engine
	backend *remotetest.Backend
	hub     *ws.Hub
}

type envOptions struct {
	online         bool
	rateLimit      int
	metricsEnabled bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Store = store.Config{InMemory: true}
	cfg.Connectivity = connectivity.Config{InitialOnline: opts.online}
	cfg.Trigger.MinInterval = 0
	cfg.Trigger.RandomSeed = 1

	backend := remotetest.New()
	eng, err := engine.Open(context.Background(), cfg, backend)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Serve(ctx) }()
	detach := hub.Attach(eng)
	t.Cleanup(func() {
		detach()
		cancel()
	})

	mwCfg := DefaultChiMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = []string{"http://app.local"}
	if opts.rateLimit > 0 {
		mwCfg.RateLimitRequests = opts.rateLimit
	} else {
		mwCfg.RateLimitDisabled = true
	}

	handler := NewHandler(eng, hub, []string{"http://app.local"})
	router := NewRouter(handler, NewChiMiddleware(mwCfg), opts.metricsEnabled)
	srv := httptest.NewServer(router.SetupChi())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, engine: eng, backend: backend, hub: hub}
}

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    *APIMeta        `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, testResponse) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out testResponse
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func decodeRows(t *testing.T, raw json.RawMessage) []map[string]interface{} {
	t.Helper()
	var rows []map[string]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decode rows %s: %v", raw, err)
	}
	return rows
}

func TestGetTableFresh(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true})
	env.backend.Seed("students",
		value.Map{"id": value.Int(1), "full_name": value.String("Ada"), "grade": value.String("5A")},
		value.Map{"id": value.Int(2), "full_name": value.String("Bo"), "grade": value.String("5A")},
		value.Map{"id": value.Int(3), "full_name": value.String("Cy"), "grade": value.String("6B")},
	)

	status, resp := env.do(t, http.MethodGet, "/api/v1/tables/students?eq.grade=5A&order=full_name.desc", "")
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("status %d, %+v", status, resp.Error)
	}
	rows := decodeRows(t, resp.Data)
	if len(rows) != 2 || rows[0]["full_name"] != "Bo" {
		t.Errorf("unexpected rows %v", rows)
	}
	if resp.Meta == nil || resp.Meta.FromCache || resp.Meta.RequestID == "" {
		t.Errorf("unexpected meta %+v", resp.Meta)
	}
}

func TestGetTableOfflineServesCache(t *testing.T) {
	env := newTestEnv(t, envOptions{online: false})

	status, resp := env.do(t, http.MethodGet, "/api/v1/tables/students", "")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if rows := decodeRows(t, resp.Data); len(rows) != 0 {
		t.Errorf("expected no cached rows, got %v", rows)
	}
	if !resp.Meta.FromCache {
		t.Error("offline read should be served from cache")
	}

	status, resp = env.do(t, http.MethodGet, "/api/v1/tables/students?eq.id=7&cardinality=maybe_single", "")
	if status != http.StatusOK || (len(resp.Data) != 0 && string(resp.Data) != "null") {
		t.Errorf("single offline read: status %d data %s", status, resp.Data)
	}
}

func TestGetTableRejectsBadParameters(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true})

	for _, path := range []string{
		"/api/v1/tables/bad-name",
		"/api/v1/tables/students?range=abc",
		"/api/v1/tables/students?range=5-1",
		"/api/v1/tables/students?order=name.sideways",
		"/api/v1/tables/students?cardinality=several",
		"/api/v1/tables/students?eq.bad%20field=1",
	} {
		status, resp := env.do(t, http.MethodGet, path, "")
		if status != http.StatusBadRequest || resp.Success || resp.Error == nil {
			t.Errorf("%s: status %d, %+v", path, status, resp)
		}
	}
}

func TestParseTableQuery(t *testing.T) {
	params := map[string][]string{
		"select":      {"id,full_name"},
		"eq.grade":    {"5A"},
		"eq.active":   {"true"},
		"in.id":       {"1, 2,\"3\""},
		"order":       {"full_name"},
		"range":       {"0-9"},
		"cardinality": {"many"},
		"unrelated":   {"x"},
	}
	q, err := parseTableQuery("students", params)
	if err != nil {
		t.Fatal(err)
	}
	if q.Columns != "id,full_name" || q.Order == nil || !q.Order.Ascending || q.Range == nil || q.Range.To != 9 {
		t.Errorf("unexpected query %+v", q)
	}
	if len(q.Filters) != 3 {
		t.Fatalf("filters %+v", q.Filters)
	}
	// Filters are applied in key order: eq.active, eq.grade, in.id.
	if !value.Equal(q.Filters[0].Values[0], value.Bool(true)) {
		t.Errorf("eq.active = %v", q.Filters[0].Values)
	}
	in := q.Filters[2].Values
	if len(in) != 3 || !value.Equal(in[0], value.Int(1)) || !value.Equal(in[2], value.String("3")) {
		t.Errorf("in.id = %v", in)
	}
}

func TestPostWrite(t *testing.T) {
	t.Run("queued offline", func(t *testing.T) {
		env := newTestEnv(t, envOptions{online: false})
		status, resp := env.do(t, http.MethodPost, "/api/v1/tables/students/writes",
			`{"op":"insert","payload":{"full_name":"Jane","photo":{"$binary":"aGk=","content_type":"image/png"}}}`)
		if status != http.StatusAccepted {
			t.Fatalf("status %d %+v", status, resp.Error)
		}
		var res struct {
			ID         string `json:"id"`
			Temporary  bool   `json:"temporary"`
			Queued     bool   `json:"queued"`
			MutationID uint64 `json:"mutation_id"`
		}
		if err := json.Unmarshal(resp.Data, &res); err != nil {
			t.Fatal(err)
		}
		if !res.Temporary || !res.Queued || res.MutationID == 0 || res.ID == "" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("direct online", func(t *testing.T) {
		env := newTestEnv(t, envOptions{online: true})
		status, resp := env.do(t, http.MethodPost, "/api/v1/tables/students/writes", `{"op":"insert","payload":{"full_name":"Jane"}}`)
		if status != http.StatusCreated {
			t.Fatalf("status %d %+v", status, resp.Error)
		}
		if len(env.backend.Rows("students")) != 1 {
			t.Error("direct write did not reach the backend")
		}
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t, envOptions{online: false})
		for _, body := range []string{
			`{"op":"merge","payload":{}}`,
			`{"op":"update","payload":{"grade":"5A"}}`,
			`{"payload":{"full_name":"Jane"}}`,
			`{"op":"insert"}`,
			`{"op":"insert","payload":{},"extra":1}`,
			`not json`,
		} {
			status, resp := env.do(t, http.MethodPost, "/api/v1/tables/students/writes", body)
			if status != http.StatusBadRequest || resp.Error == nil {
				t.Errorf("%s: status %d %+v", body, status, resp.Error)
			}
		}
	})
}

func TestQueueListAndDrop(t *testing.T) {
	env := newTestEnv(t, envOptions{online: false})
	if status, _ := env.do(t, http.MethodPost, "/api/v1/tables/students/writes", `{"op":"insert","payload":{"full_name":"Jane"}}`); status != http.StatusAccepted {
		t.Fatalf("write status %d", status)
	}

	status, resp := env.do(t, http.MethodGet, "/api/v1/queue", "")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	var q struct {
		Pending []struct {
			ID    uint64 `json:"id"`
			Table string `json:"table"`
		} `json:"pending"`
		DeadLetters []json.RawMessage `json:"dead_letters"`
	}
	if err := json.Unmarshal(resp.Data, &q); err != nil {
		t.Fatal(err)
	}
	if len(q.Pending) != 1 || q.Pending[0].Table != "students" || q.DeadLetters == nil {
		t.Fatalf("unexpected queue %s", resp.Data)
	}

	path := "/api/v1/queue/" + strconv.FormatUint(q.Pending[0].ID, 10)
	if status, _ := env.do(t, http.MethodDelete, path, ""); status != http.StatusNoContent {
		t.Errorf("drop status %d", status)
	}
	if status, _ := env.do(t, http.MethodDelete, path, ""); status != http.StatusNotFound {
		t.Errorf("second drop status %d", status)
	}
	if status, _ := env.do(t, http.MethodDelete, "/api/v1/queue/abc", ""); status != http.StatusBadRequest {
		t.Errorf("bad id status %d", status)
	}
}

func TestOfflineWriteReplaysAfterConnectivity(t *testing.T) {
	env := newTestEnv(t, envOptions{online: false})
	if status, _ := env.do(t, http.MethodPost, "/api/v1/tables/students/writes", `{"op":"insert","payload":{"full_name":"Jane"}}`); status != http.StatusAccepted {
		t.Fatalf("write status %d", status)
	}

	status, resp := env.do(t, http.MethodPost, "/api/v1/connectivity", `{"online":true}`)
	if status != http.StatusOK || !strings.Contains(string(resp.Data), `"online":true`) {
		t.Fatalf("connectivity: %d %s", status, resp.Data)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(env.backend.Rows("students")) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if len(env.backend.Rows("students")) != 1 {
		t.Fatal("queued write was not replayed")
	}
}

func TestPostSync(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true})

	if status, _ := env.do(t, http.MethodPost, "/api/v1/sync", ""); status != http.StatusAccepted {
		t.Errorf("empty body status %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/v1/sync", `{"force":true}`); status != http.StatusAccepted {
		t.Errorf("forced status %d", status)
	}

	// Let the background requests finish before running a pass inline.
	time.Sleep(100 * time.Millisecond)
	status, resp := env.do(t, http.MethodPost, "/api/v1/sync", `{"wait":true}`)
	if status != http.StatusOK && status != http.StatusConflict {
		t.Fatalf("wait status %d %+v", status, resp.Error)
	}
	if status == http.StatusOK && !strings.Contains(string(resp.Data), `"processed":0`) {
		t.Errorf("unexpected report %s", resp.Data)
	}
}

func TestPostConnectivityRequiresOnline(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true})
	status, resp := env.do(t, http.MethodPost, "/api/v1/connectivity", `{}`)
	if status != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != ErrCodeValidation {
		t.Errorf("status %d %+v", status, resp.Error)
	}
}

func TestCacheCleanupAndHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{online: false})

	status, resp := env.do(t, http.MethodPost, "/api/v1/cache/cleanup", "")
	if status != http.StatusOK || string(resp.Data) != `{"removed":0}` {
		t.Errorf("cleanup: %d %s", status, resp.Data)
	}

	status, resp = env.do(t, http.MethodGet, "/api/v1/health", "")
	if status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	var health HealthStatus
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" || health.Engine.ID != env.engine.ID() {
		t.Errorf("unexpected health %+v", health)
	}

	if status, _ := env.do(t, http.MethodGet, "/api/v1/schedule", ""); status != http.StatusNotFound {
		t.Errorf("schedule without scheduler: %d", status)
	}
}

func TestCacheWarm(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true})
	env.backend.Seed("students", value.Map{"id": value.Int(1), "full_name": value.String("Jane")})

	status, resp := env.do(t, http.MethodPost, "/api/v1/cache/warm", `{"tables":["students"]}`)
	if status != http.StatusOK {
		t.Fatalf("warm: %d %s", status, resp.Data)
	}
	var report struct {
		Warmed map[string]int `json:"warmed"`
	}
	if err := json.Unmarshal(resp.Data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Warmed["students"] != 1 {
		t.Errorf("unexpected report %s", resp.Data)
	}
	if _, found, _ := env.engine.Snapshot(context.Background(), "students"); !found {
		t.Error("snapshot not stored")
	}

	if status, _ := env.do(t, http.MethodPost, "/api/v1/cache/warm", `{"tables":["bad name"]}`); status != http.StatusBadRequest {
		t.Errorf("invalid table name: %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/v1/cache/warm", ""); status != http.StatusOK {
		t.Errorf("empty body: %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true, metricsEnabled: true})
	env.do(t, http.MethodGet, "/api/v1/health", "")

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "offlinesync_api_request_duration_seconds") {
		t.Errorf("metrics: %d", resp.StatusCode)
	}

	disabled := newTestEnv(t, envOptions{online: true})
	if status, _ := disabled.do(t, http.MethodGet, "/metrics", ""); status != http.StatusNotFound {
		t.Errorf("metrics should be off, got %d", status)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{online: true, rateLimit: 2})
	for i := 0; i < 2; i++ {
		if status, _ := env.do(t, http.MethodGet, "/api/v1/health", ""); status != http.StatusOK {
			t.Fatalf("request %d status %d", i, status)
		}
	}
	status, resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	if status != http.StatusTooManyRequests || resp.Error == nil || resp.Error.Code != "RATE_LIMITED" {
		t.Errorf("status %d %+v", status, resp.Error)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{online: false})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected missing origin to be rejected, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://app.local"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if status, _ := env.do(t, http.MethodPost, "/api/v1/tables/students/writes", `{"op":"insert","payload":{"full_name":"Jane"}}`); status != http.StatusAccepted {
		t.Fatalf("write status %d", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Type string `json:"type"`
			Data struct {
				Table string `json:"table"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type == "queued" {
			if msg.Data.Table != "students" {
				t.Errorf("unexpected event %s", data)
			}
			return
		}
	}
}
