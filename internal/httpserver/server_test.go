package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptrelay/promptrelay/internal/auth"
	"github.com/promptrelay/promptrelay/internal/config"
	"github.com/promptrelay/promptrelay/internal/identity"
	identitysqlite "github.com/promptrelay/promptrelay/internal/identity/sqlite"
	ledgersqlite "github.com/promptrelay/promptrelay/internal/ledger/sqlite"
	"github.com/promptrelay/promptrelay/internal/metrics"
	"github.com/promptrelay/promptrelay/internal/openai"
	"github.com/promptrelay/promptrelay/internal/ratelimit"
	"github.com/promptrelay/promptrelay/internal/relay"
	"github.com/promptrelay/promptrelay/internal/testutil"
	"github.com/promptrelay/promptrelay/internal/upstream"
)

// scriptedStreamer replays a fixed SSE body, holding back the first byte
// briefly so the test can attach before tokens flow.
type scriptedStreamer struct {
	body string
}

func (f *scriptedStreamer) Stream(_ context.Context, _ openai.ResponsesRequest) (*upstream.Response, error) {
	return &upstream.Response{
		Status:      200,
		ContentType: "text/event-stream",
		Body:        io.NopCloser(&heldReader{r: strings.NewReader(f.body), delay: 50 * time.Millisecond}),
	}, nil
}

type heldReader struct {
	r     io.Reader
	delay time.Duration
	once  sync.Once
}

func (h *heldReader) Read(p []byte) (int, error) {
	h.once.Do(func() { time.Sleep(h.delay) })
	return h.r.Read(p)
}

type testEnv struct {
	srv      *testutil.IPv4Server
	identity identity.Store
}

func newTestEnv(t *testing.T, upstreamBody string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	idStore, err := identitysqlite.New(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idStore.Close() })

	usageStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = usageStore.Close() })

	collector := metrics.NewCollector()
	registry := relay.NewRegistry(relay.DefaultCadence(), nil, collector)
	registry.SetGrace(time.Minute)
	controller := relay.NewController(registry, &scriptedStreamer{body: upstreamBody}, usageStore, relay.ControllerConfig{SystemPrompt: "be helpful"}, nil, collector)

	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 100, BurstSize: 100})
	t.Cleanup(limiter.Close)

	s := NewServer(controller, registry, []config.Model{
		{Value: "test-model", Label: "Test Model"},
	})
	s.SetAuth(auth.NewManager("test-secret", time.Hour), false)
	s.SetIdentity(idStore)
	s.SetUsage(usageStore)
	s.SetLimiter(limiter)
	s.SetMetrics(collector)
	s.SetEnvironment("test")
	s.SetHeartbeat(time.Second)

	srv := testutil.NewIPv4Server(t, s.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, identity: idStore}
}

func (e *testEnv) postJSON(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// initCaller registers a caller and optionally activates it.
func (e *testEnv) initCaller(t *testing.T, activate bool) (token, subject string) {
	t.Helper()
	resp, body := e.postJSON(t, "/api/user/init", "", map[string]any{"display_name": "tester"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("user init status = %d", resp.StatusCode)
	}
	token, _ = body["token"].(string)
	subject, _ = body["subject"].(string)
	if token == "" || subject == "" {
		t.Fatalf("user init response = %+v", body)
	}
	if got := body["status"]; got != "readonly" {
		t.Errorf("new caller status = %v, want readonly", got)
	}
	if activate {
		if err := e.identity.SetStatus(context.Background(), subject, identity.StatusActive); err != nil {
			t.Fatal(err)
		}
	}
	return token, subject
}

func tokenText(t *testing.T, events []testutil.SSEEvent) string {
	t.Helper()
	var out strings.Builder
	for _, ev := range testutil.Filter(events, "token") {
		var payload struct {
			T string `json:"t"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			t.Fatalf("bad token payload %q: %v", ev.Data, err)
		}
		out.WriteString(payload.T)
	}
	return out.String()
}

func deltaEvent(text string) string {
	return `data: {"type":"response.output_text.delta","delta":"` + text + `"}` + "\n\n"
}

func TestServer_EndToEndStream(t *testing.T) {
	env := newTestEnv(t, deltaEvent("Hello ")+deltaEvent("from the relay.")+"data: [DONE]\n\n")
	token, _ := env.initCaller(t, true)

	resp, body := env.postJSON(t, "/api/chat/create", token, map[string]any{
		"message": "say hello",
		"model":   "test-model",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d body = %+v", resp.StatusCode, body)
	}
	sid, _ := body["sid"].(string)
	if sid == "" {
		t.Fatalf("create response = %+v", body)
	}

	streamResp, err := env.srv.Client().Get(env.srv.URL + "/api/chat/stream?sid=" + sid + "&token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	if ct := streamResp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	prelude, events := testutil.ReadSSE(t, streamResp)
	if prelude != ":ok" {
		t.Errorf("prelude = %q, want :ok", prelude)
	}
	if len(events) == 0 || events[0].Event != "meta" {
		t.Fatalf("first event = %+v, want meta", events)
	}
	var meta struct {
		OK    bool   `json:"ok"`
		SID   string `json:"sid"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(events[0].Data), &meta); err != nil {
		t.Fatal(err)
	}
	if !meta.OK || meta.SID != sid || meta.Model != "test-model" {
		t.Errorf("meta = %+v", meta)
	}

	last := events[len(events)-1]
	if last.Event != "done" {
		t.Fatalf("terminal event = %s, want done", last.Event)
	}
	var done struct {
		Done  bool   `json:"done"`
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(last.Data), &done); err != nil {
		t.Fatal(err)
	}
	if !done.Done || done.Reply != "Hello from the relay." {
		t.Errorf("done = %+v", done)
	}
	if got := tokenText(t, events); got != done.Reply {
		t.Errorf("token concatenation %q != reply %q", got, done.Reply)
	}
}

func TestServer_CreateRequiresAuth(t *testing.T) {
	env := newTestEnv(t, "data: [DONE]\n\n")

	resp, _ := env.postJSON(t, "/api/chat/create", "", map[string]any{"message": "hi", "model": "test-model"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_ReadonlyCallerCannotCreate(t *testing.T) {
	env := newTestEnv(t, "data: [DONE]\n\n")
	token, _ := env.initCaller(t, false)

	resp, _ := env.postJSON(t, "/api/chat/create", token, map[string]any{"message": "hi", "model": "test-model"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServer_CreateValidation(t *testing.T) {
	env := newTestEnv(t, "data: [DONE]\n\n")
	token, _ := env.initCaller(t, true)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing message", map[string]any{"model": "test-model"}, http.StatusBadRequest},
		{"missing model", map[string]any{"message": "hi"}, http.StatusBadRequest},
		{"unknown model", map[string]any{"message": "hi", "model": "nope"}, http.StatusBadRequest},
		{"oversized message", map[string]any{"message": strings.Repeat("a", 8001), "model": "test-model"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, _ := env.postJSON(t, "/api/chat/create", token, tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestServer_StreamOwnership(t *testing.T) {
	env := newTestEnv(t, deltaEvent("secret")+"data: [DONE]\n\n")
	owner, _ := env.initCaller(t, true)
	stranger, _ := env.initCaller(t, true)

	_, body := env.postJSON(t, "/api/chat/create", owner, map[string]any{"message": "hi", "model": "test-model"})
	sid, _ := body["sid"].(string)
	if sid == "" {
		t.Fatalf("create response = %+v", body)
	}

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/chat/stream?sid=" + sid + "&token=" + stranger)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger stream status = %d, want 403", resp.StatusCode)
	}

	resp, err = env.srv.Client().Get(env.srv.URL + "/api/chat/stream?sid=unknown&token=" + owner)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sid status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_LateSubscriberGetsReplay(t *testing.T) {
	env := newTestEnv(t, deltaEvent("the whole answer")+"data: [DONE]\n\n")
	token, _ := env.initCaller(t, true)

	_, body := env.postJSON(t, "/api/chat/create", token, map[string]any{"message": "hi", "model": "test-model"})
	sid, _ := body["sid"].(string)

	// Wait for the job to finish with nobody attached.
	time.Sleep(300 * time.Millisecond)

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/chat/stream?sid=" + sid + "&token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	_, events := testutil.ReadSSE(t, resp)
	last := events[len(events)-1]
	if last.Event != "done" {
		t.Fatalf("terminal = %s, want done replay", last.Event)
	}
	if !strings.Contains(last.Data, "the whole answer") {
		t.Errorf("replay payload = %q", last.Data)
	}
}

func TestServer_ModelsAndHealth(t *testing.T) {
	env := newTestEnv(t, "data: [DONE]\n\n")

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var models struct {
		Models []config.Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		t.Fatal(err)
	}
	if len(models.Models) != 1 || models.Models[0].Value != "test-model" {
		t.Errorf("models = %+v", models)
	}

	resp, err = env.srv.Client().Get(env.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["ok"] != true || health["environment"] != "test" {
		t.Errorf("health = %+v", health)
	}
}

// The store probes must read both freshly created databases as reachable;
// a probe that trips the stores' own argument validation would report a
// healthy deployment as degraded.
func TestServer_HealthReportsStoresReachable(t *testing.T) {
	env := newTestEnv(t, "data: [DONE]\n\n")

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["ledger"] != "ok" {
		t.Errorf("ledger state = %v, want ok", health["ledger"])
	}
	if health["identity"] != "ok" {
		t.Errorf("identity state = %v, want ok", health["identity"])
	}
	if health["ok"] != true {
		t.Errorf("health = %+v", health)
	}
}

func TestServer_MetricsExposition(t *testing.T) {
	env := newTestEnv(t, deltaEvent("hi.")+"data: [DONE]\n\n")
	token, _ := env.initCaller(t, true)

	_, body := env.postJSON(t, "/api/chat/create", token, map[string]any{"message": "hi", "model": "test-model"})
	if body["sid"] == nil {
		t.Fatalf("create response = %+v", body)
	}
	time.Sleep(300 * time.Millisecond)

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.Contains(text, "relay_jobs_registered_total") {
		t.Errorf("metrics missing job counter:\n%s", text)
	}
	if !strings.Contains(text, `model="test-model"`) {
		t.Errorf("metrics missing model label:\n%s", text)
	}
}
