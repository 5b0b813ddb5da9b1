package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	gojwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeRemote struct {
	mu    sync.Mutex
	nodes []relaygraph.RemoteNode
	err   error
	seen  []string
}

func (f *fakeRemote) FetchNodes(_ context.Context, credential string) ([]relaygraph.RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, credential)
	if f.err != nil {
		return nil, f.err
	}
	return append([]relaygraph.RemoteNode(nil), f.nodes...), nil
}

func (f *fakeRemote) set(nodes []relaygraph.RemoteNode, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
	f.err = err
}

func (f *fakeRemote) credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

type unreachableStore struct {
	*relaygraph.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

type testHarness struct {
	server      *Server
	remote      *fakeRemote
	broadcaster *relaygraph.Broadcaster
	metrics     *relaygraph.Metrics
}

func newHarness(t *testing.T, cfg ServerConfig) *testHarness {
	t.Helper()
	return newHarnessWithStore(t, cfg, relaygraph.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, cfg ServerConfig, store relaygraph.WorkspaceStore) *testHarness {
	t.Helper()
	remote := &fakeRemote{nodes: sampleWorkspace()}
	metrics := relaygraph.NewMetrics("relaygraph")
	broadcaster := relaygraph.NewBroadcaster(relaygraph.BroadcasterOptions{
		KeepAliveInterval: time.Hour,
		Metrics:           metrics,
	})
	t.Cleanup(broadcaster.Close)
	engine, err := relaygraph.NewEngine(relaygraph.EngineOptions{
		Remote:    remote,
		Store:     store,
		Publisher: broadcaster,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg.Metrics = metrics
	return &testHarness{
		server:      NewServerWithConfig(engine, broadcaster, cfg),
		remote:      remote,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

func sampleWorkspace() []relaygraph.RemoteNode {
	return []relaygraph.RemoteNode{
		{ID: "1", Title: "Roadmap", Kind: "page"},
		{ID: "2", Title: "Tasks", Kind: "database", ParentID: "1"},
		{ID: "3", Title: "Archive", Kind: "page", ParentID: "gone"},
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
}

func doRequest(t *testing.T, handler http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(req.method, req.path, nil)
	for key, value := range req.headers {
		r.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	return rec
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func allScopes() []string {
	return []string{scopeGraphRead, scopeSyncTrigger, scopeWorkspaceAdmin}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestHealthReportsUnreachableStore(t *testing.T) {
	h := newHarnessWithStore(t, ServerConfig{}, unreachableStore{relaygraph.NewMemoryStore()})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/graph"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if payload["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %v", payload)
	}
	if payload["correlationId"] == "" || payload["correlationId"] != rec.Header().Get(correlationHeader) {
		t.Fatalf("expected minted correlation id in body and header, got %v / %q", payload["correlationId"], rec.Header().Get(correlationHeader))
	}
}

func TestAuthRejections(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	now := time.Now()
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"workspace mismatch", mustTestJWT(t, "dev-secret", "ws_2", "Agent", allScopes(), now.Add(time.Hour)), http.StatusForbidden},
		{"missing scope", mustTestJWT(t, "dev-secret", "ws_1", "Agent", []string{scopeSyncTrigger}, now.Add(time.Hour)), http.StatusForbidden},
		{"expired", mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), now.Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong secret", mustTestJWT(t, "other-secret", "ws_1", "Agent", allScopes(), now.Add(time.Hour)), http.StatusUnauthorized},
		{"wrong audience", mustTestJWTWithAudience(t, "dev-secret", "ws_1", "Agent", allScopes(), "other-service", now.Add(time.Hour)), http.StatusUnauthorized},
		{"garbage", "not.a.jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h.server, request{
				method:  http.MethodGet,
				path:    "/v1/workspaces/ws_1/graph",
				headers: authHeaders(tt.token),
			})
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestScopesAcceptSpaceSeparatedString(t *testing.T) {
	scopes := parseScopes("graph:read  sync:trigger")
	if _, ok := scopes[scopeGraphRead]; !ok {
		t.Fatalf("expected graph:read in %v", scopes)
	}
	if _, ok := scopes[scopeSyncTrigger]; !ok {
		t.Fatalf("expected sync:trigger in %v", scopes)
	}
}

func TestSyncGraphNodesExportRevoke(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ws_1", "Viewer", allScopes(), time.Now().Add(time.Hour))

	missing := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/graph", headers: authHeaders(token)})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first sync, got %d", missing.Code)
	}

	syncHeaders := authHeaders(token)
	syncHeaders[notionTokenHeader] = "secret_abc"
	syncResp := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: syncHeaders})
	if syncResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on sync, got %d (%s)", syncResp.Code, syncResp.Body.String())
	}
	var result relaygraph.SyncResult
	decodeBody(t, syncResp, &result)
	if result.Added != 3 || result.Updated != 0 || result.Removed != 0 || result.Total != 3 {
		t.Fatalf("unexpected sync result: %+v", result)
	}
	if got := h.remote.credentials(); len(got) != 1 || got[0] != "secret_abc" {
		t.Fatalf("expected credential forwarded to remote, got %v", got)
	}

	graphResp := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/graph?theme=dark", headers: authHeaders(token)})
	if graphResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on graph, got %d (%s)", graphResp.Code, graphResp.Body.String())
	}
	var graph relaygraph.StyledGraph
	decodeBody(t, graphResp, &graph)
	if graph.Theme != "dark" || len(graph.Nodes) != 3 || len(graph.Links) != 2 {
		t.Fatalf("unexpected graph: %+v", graph)
	}
	if graph.Nodes[0].Color != "#3B82F6" || graph.Nodes[1].Color != "#10B981" {
		t.Fatalf("unexpected dark colors: %+v", graph.Nodes)
	}
	if graph.Links[0].Color != "#4B5563" || graph.Nodes[0].LabelColor != "#D1D5DB" {
		t.Fatalf("unexpected dark link/label colors: %+v", graph)
	}
	if !graph.Nodes[2].Orphan {
		t.Fatalf("expected node with dangling parent to be marked orphan")
	}

	nodesResp := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/nodes?filter=root&sort=title-asc", headers: authHeaders(token)})
	if nodesResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on nodes, got %d (%s)", nodesResp.Code, nodesResp.Body.String())
	}
	var nodes nodesResponse
	decodeBody(t, nodesResp, &nodes)
	if nodes.Total != 2 || nodes.Nodes[0].ID != "3" || nodes.Nodes[1].ID != "1" {
		t.Fatalf("unexpected root nodes: %+v", nodes)
	}

	exportResp := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/export?format=csv&types=databases", headers: authHeaders(token)})
	if exportResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on export, got %d (%s)", exportResp.Code, exportResp.Body.String())
	}
	if ct := exportResp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(exportResp.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "type,id,title,parentId,fetchedAt") || !strings.HasPrefix(lines[1], "database,2,Tasks,1,") {
		t.Fatalf("unexpected csv export: %q", exportResp.Body.String())
	}

	statsResp := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/stats", headers: authHeaders(token)})
	if statsResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on stats, got %d (%s)", statsResp.Code, statsResp.Body.String())
	}
	var stats relaygraph.WorkspaceStats
	decodeBody(t, statsResp, &stats)
	if stats.Total != 3 || stats.Pages != 2 || stats.Databases != 1 || stats.Roots != 2 || stats.Orphans != 1 || stats.MaxDepth != 1 || stats.FetchedAt.IsZero() {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	badFormat := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/export?format=xml", headers: authHeaders(token)})
	if badFormat.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown export format, got %d", badFormat.Code)
	}

	revokeResp := doRequest(t, h.server, request{method: http.MethodDelete, path: "/v1/workspaces/ws_1", headers: authHeaders(token)})
	if revokeResp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on revoke, got %d (%s)", revokeResp.Code, revokeResp.Body.String())
	}
	afterRevoke := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/nodes", headers: authHeaders(token)})
	if afterRevoke.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after revoke, got %d", afterRevoke.Code)
	}
	statsAfterRevoke := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/stats", headers: authHeaders(token)})
	if statsAfterRevoke.Code != http.StatusNotFound {
		t.Fatalf("expected 404 stats after revoke, got %d", statsAfterRevoke.Code)
	}
	revokeAgain := doRequest(t, h.server, request{method: http.MethodDelete, path: "/v1/workspaces/ws_1", headers: authHeaders(token)})
	if revokeAgain.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second revoke, got %d", revokeAgain.Code)
	}
}

func TestUnclassifiedErrorIsInternal(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := httptest.NewRecorder()
	h.server.writeDomainError(rec, errors.New("unexpected state"), "corr_internal")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if payload["code"] != "internal_error" || payload["correlationId"] != "corr_internal" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"auth expired", &relaygraph.RemoteError{Kind: relaygraph.ErrAuthExpired, StatusCode: 401}, http.StatusUnauthorized, "auth_expired", ""},
		{"rate limited", &relaygraph.RemoteError{Kind: relaygraph.ErrRateLimited, StatusCode: 429, RetryAfter: 7 * time.Second}, http.StatusTooManyRequests, "rate_limited", "7"},
		{"unavailable", &relaygraph.RemoteError{Kind: relaygraph.ErrRemoteUnavailable, StatusCode: 502}, http.StatusServiceUnavailable, "remote_unavailable", ""},
		{"unclassified", errors.New("dial tcp: refused"), http.StatusServiceUnavailable, "remote_unavailable", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ServerConfig{})
			h.remote.set(nil, tt.err)
			token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))
			headers := authHeaders(token)
			headers[notionTokenHeader] = "secret"
			rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: headers})
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Fatalf("expected Retry-After %q, got %q", tt.retryAfter, got)
			}
			var payload map[string]any
			decodeBody(t, rec, &payload)
			if payload["code"] != tt.code {
				t.Fatalf("expected code %s, got %v", tt.code, payload)
			}
		})
	}
}

func TestSyncUsesConfiguredCredential(t *testing.T) {
	h := newHarness(t, ServerConfig{Credentials: func(workspaceID string) string {
		if workspaceID == "ws_1" {
			return "from-config"
		}
		return ""
	}})
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))
	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: authHeaders(token)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := h.remote.credentials(); len(got) != 1 || got[0] != "from-config" {
		t.Fatalf("expected configured credential, got %v", got)
	}
}

func TestSyncWithoutCredentialIsBadRequest(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))
	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: authHeaders(token)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGraphRejectsUnknownThemeAndFilter(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))
	for _, path := range []string{
		"/v1/workspaces/ws_1/graph?theme=sepia",
		"/v1/workspaces/ws_1/nodes?filter=leaves",
		"/v1/workspaces/ws_1/nodes?sort=size",
	} {
		rec := doRequest(t, h.server, request{method: http.MethodGet, path: path, headers: authHeaders(token)})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestRateLimitPerWorkspaceAgent(t *testing.T) {
	h := newHarness(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))
	first := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/nodes", headers: authHeaders(token)})
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should not be limited")
	}
	second := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/nodes", headers: authHeaders(token)})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
	other := mustTestJWT(t, "dev-secret", "ws_1", "OtherAgent", allScopes(), time.Now().Add(time.Hour))
	third := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/nodes", headers: authHeaders(other)})
	if third.Code == http.StatusTooManyRequests {
		t.Fatalf("other agent should have its own budget")
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	notFound := doRequest(t, h.server, request{method: http.MethodGet, path: "/v2/anything"})
	if notFound.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", notFound.Code)
	}
	notAllowed := doRequest(t, h.server, request{method: http.MethodPut, path: "/health"})
	if notAllowed.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", notAllowed.Code)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/graph",
		headers: map[string]string{correlationHeader: "corr_42"},
	})
	if rec.Header().Get(correlationHeader) != "corr_42" {
		t.Fatalf("expected echoed correlation id, got %q", rec.Header().Get(correlationHeader))
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if payload["correlationId"] != "corr_42" {
		t.Fatalf("expected correlation id in body, got %v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))
	headers := authHeaders(token)
	headers[notionTokenHeader] = "secret"
	doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: headers})

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"relaygraph_syncs_total", "relaygraph_nodes_changed_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}

func TestDashboardServed(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/dashboard"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Workspace Graph") {
		t.Fatalf("expected dashboard html, got %d", rec.Code)
	}
}

func TestEventStreamDeliversConnectedThenChanges(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.broadcaster.SetKeepAliveInterval(20 * time.Millisecond)
	ts := httptest.NewServer(h.server)
	defer ts.Close()
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/workspaces/ws_1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSELine(t, reader)
	if first != "data: connected" {
		t.Fatalf("expected connected frame first, got %q", first)
	}

	sawKeepAlive := false
	for !sawKeepAlive {
		sawKeepAlive = readSSELine(t, reader) == ": keep-alive"
	}

	headers := authHeaders(token)
	headers[notionTokenHeader] = "secret"
	syncResp := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: headers})
	if syncResp.Code != http.StatusOK {
		t.Fatalf("sync failed: %d %s", syncResp.Code, syncResp.Body.String())
	}

	for {
		line := readSSELine(t, reader)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event relaygraph.ChangeEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if event.ChangeKind != relaygraph.ChangeAdded || event.WorkspaceID != "ws_1" || len(event.AffectedIDs) != 3 {
			t.Fatalf("unexpected event: %+v", event)
		}
		return
	}
}

func readSSELine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.Fatalf("stream ended early")
			}
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			return line
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	ts := httptest.NewServer(h.server)
	defer ts.Close()
	token := mustTestJWT(t, "dev-secret", "ws_1", "Agent", allScopes(), time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/workspaces/ws_1/ws", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var connected relaygraph.ChangeEvent
	if err := wsjson.Read(ctx, conn, &connected); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if connected.ChangeKind != relaygraph.ChangeConnected {
		t.Fatalf("expected connected event, got %+v", connected)
	}

	headers := authHeaders(token)
	headers[notionTokenHeader] = "secret"
	doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/workspaces/ws_1/sync", headers: headers})

	var added relaygraph.ChangeEvent
	if err := wsjson.Read(ctx, conn, &added); err != nil {
		t.Fatalf("read added: %v", err)
	}
	if added.ChangeKind != relaygraph.ChangeAdded || len(added.AffectedIDs) != 3 {
		t.Fatalf("unexpected event: %+v", added)
	}
}

func mustTestJWT(t *testing.T, secret, workspaceID, agentName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, workspaceID, agentName, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, workspaceID, agentName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"workspace_id": workspaceID,
		"agent_name":   agentName,
		"scopes":       scopes,
		"exp":          exp.Unix(),
		"aud":          aud,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}
