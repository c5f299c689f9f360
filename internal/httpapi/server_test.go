package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agentworkforce/sessionsync/internal/sessionsync"
)

type fakeController struct {
	syncErr     error
	syncCalls   int
	deleteErr   error
	deleted     []string
	snapshot    sessionsync.StatusSnapshot
	activity    []sessionsync.ActivityEvent
	stream      chan sessionsync.ActivityEvent
	connectedOK bool
}

func (f *fakeController) Sync(ctx context.Context) error {
	f.syncCalls++
	return f.syncErr
}

func (f *fakeController) Snapshot() sessionsync.StatusSnapshot {
	return f.snapshot
}

func (f *fakeController) RecentActivity() []sessionsync.ActivityEvent {
	return f.activity
}

func (f *fakeController) SubscribeActivity() (<-chan sessionsync.ActivityEvent, func()) {
	if f.stream == nil {
		f.stream = make(chan sessionsync.ActivityEvent, 8)
	}
	return f.stream, func() {}
}

func (f *fakeController) DeleteRemoteCopy(ctx context.Context, remotePath string) error {
	f.deleted = append(f.deleted, remotePath)
	return f.deleteErr
}

func (f *fakeController) TestConnection(ctx context.Context) bool {
	return f.connectedOK
}

func newTestServer(t *testing.T, ctrl *fakeController, cfg ServerConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(ctrl, cfg, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerConfig{})
	res, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestStatusReturnsSnapshot(t *testing.T) {
	ctrl := &fakeController{snapshot: sessionsync.StatusSnapshot{
		Status:       "idle",
		Configured:   true,
		TrackedFiles: 7,
	}}
	srv := newTestServer(t, ctrl, ServerConfig{})

	res, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer res.Body.Close()
	var snap sessionsync.StatusSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "idle" || snap.TrackedFiles != 7 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSyncTriggerRunsCycle(t *testing.T) {
	ctrl := &fakeController{snapshot: sessionsync.StatusSnapshot{Status: "idle"}}
	srv := newTestServer(t, ctrl, ServerConfig{})

	res, err := http.Post(srv.URL+"/v1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sync: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ctrl.syncCalls != 1 {
		t.Fatalf("sync calls = %d, want 1", ctrl.syncCalls)
	}
}

func TestSyncInProgressMapsTo409(t *testing.T) {
	ctrl := &fakeController{syncErr: sessionsync.ErrSyncInProgress}
	srv := newTestServer(t, ctrl, ServerConfig{})

	res, err := http.Post(srv.URL+"/v1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sync: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", res.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "sync_in_progress" {
		t.Fatalf("code = %q", body["code"])
	}
}

func TestSyncUnconfiguredMapsTo412(t *testing.T) {
	ctrl := &fakeController{syncErr: sessionsync.ErrNotConfigured}
	srv := newTestServer(t, ctrl, ServerConfig{})

	res, err := http.Post(srv.URL+"/v1/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sync: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412", res.StatusCode)
	}
}

func TestDeleteRemoteRequiresPath(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerConfig{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/remote", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/remote: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestDeleteRemoteForwardsPath(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, ServerConfig{})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/remote?path=hosts/mac-1/projects/p/s.jsonl", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/remote: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if len(ctrl.deleted) != 1 || ctrl.deleted[0] != "hosts/mac-1/projects/p/s.jsonl" {
		t.Fatalf("deleted = %v", ctrl.deleted)
	}
}

func TestBearerTokenGuardsV1Routes(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, ServerConfig{AuthToken: "sekrit"})

	res, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", res.StatusCode)
	}

	// Health stays open even with a token configured.
	res, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestActivityStreamReplaysAndForwards(t *testing.T) {
	ctrl := &fakeController{
		activity: []sessionsync.ActivityEvent{
			{Time: time.Now(), Message: "sync cycle started"},
		},
		stream: make(chan sessionsync.ActivityEvent, 8),
	}
	srv := newTestServer(t, ctrl, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/activity/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	var replayed sessionsync.ActivityEvent
	if err := json.Unmarshal(data, &replayed); err != nil {
		t.Fatalf("decode replayed event: %v", err)
	}
	if replayed.Message != "sync cycle started" {
		t.Fatalf("replayed message = %q", replayed.Message)
	}

	ctrl.stream <- sessionsync.ActivityEvent{Time: time.Now(), Message: "uploaded a file"}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read live event: %v", err)
	}
	var live sessionsync.ActivityEvent
	if err := json.Unmarshal(data, &live); err != nil {
		t.Fatalf("decode live event: %v", err)
	}
	if live.Message != "uploaded a file" {
		t.Fatalf("live message = %q", live.Message)
	}
}

func TestDashboardServesHTML(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerConfig{})
	res, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, ServerConfig{})
	res, err := http.Get(srv.URL + "/v1/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}
