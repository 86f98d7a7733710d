package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/internal/runtime"
	"github.com/hivegrid/hivegrid/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *runtime.Coordinator, *httptest.Server) {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Runtime.ArtifactsDir = filepath.Join(tmp, "artifacts")
	cfg.Runtime.RuntimeDir = filepath.Join(tmp, "runtime")
	cfg.LLM.ServicesFile = filepath.Join(tmp, "llm-services.yaml")
	cfg.LLM.APIKey = "sk-test-1234567890abcdef"
	cfg.Persistence.SnapshotInterval = ""

	coord, err := runtime.NewCoordinator(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	coord.Organization().EnsureRoot()

	srv, err := NewServer(coord, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, coord, ts
}

func TestRequestsRecordedInMetrics(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Runtime.ArtifactsDir = filepath.Join(tmp, "artifacts")
	cfg.Runtime.RuntimeDir = filepath.Join(tmp, "runtime")
	cfg.Persistence.SnapshotInterval = ""

	m := observability.NewMetrics(prometheus.NewRegistry())
	coord, err := runtime.NewCoordinator(cfg, nil, m, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	srv, err := NewServer(coord, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if _, err := http.Get(ts.URL + "/healthz"); err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp, err := http.Get(ts.URL + "/api/agents?org=no-such-agent")
	if err != nil {
		t.Fatalf("GET /api/agents: %v", err)
	}
	resp.Body.Close()

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/healthz", "200")); got != 1 {
		t.Errorf("healthz counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/api/agents", "404")); got != 1 {
		t.Errorf("agents 404 counter = %v, want 1", got)
	}
}

func spawnWorker(t *testing.T, coord *runtime.Coordinator) string {
	t.Helper()
	role, err := coord.Organization().CreateRole("worker", "do work", nil, "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	agent, err := coord.Organization().SpawnAgent(org.SpawnParams{RoleID: role.ID, TaskBrief: "work"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	// Drop the spawn seed message so tests observe only their own traffic.
	coord.Bus().PopAll(agent.ID)
	return agent.ID
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestSendAttachmentRoundTrip(t *testing.T) {
	_, coord, ts := newTestServer(t)
	agentID := spawnWorker(t, coord)

	resp, body := postJSON(t, ts.URL+"/api/send", map[string]any{
		"to":      agentID,
		"message": "",
		"attachments": []map[string]string{
			{"type": "image", "artifactRef": "artifact:img-001", "filename": "photo.jpg"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}

	msgs := coord.Bus().PopAll(agentID)
	if len(msgs) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(msgs))
	}
	atts := msgs[0].Payload.Attachments
	if len(atts) != 1 {
		t.Fatalf("attachments = %v", atts)
	}
	want := models.Attachment{Type: "image", ArtifactRef: "artifact:img-001", Filename: "photo.jpg"}
	if atts[0] != want {
		t.Errorf("attachment = %+v, want %+v", atts[0], want)
	}
}

func TestSendEmptyAttachmentsNormalizesToPlainText(t *testing.T) {
	_, coord, ts := newTestServer(t)
	agentID := spawnWorker(t, coord)

	resp, _ := postJSON(t, ts.URL+"/api/send", map[string]any{
		"to": agentID, "message": "Hello", "attachments": []any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msgs := coord.Bus().PopAll(agentID)
	if len(msgs) != 1 {
		t.Fatalf("delivered = %d", len(msgs))
	}
	if !msgs[0].Payload.IsPlain() || msgs[0].Payload.Text != "Hello" {
		t.Errorf("payload = %+v, want plain Hello", msgs[0].Payload)
	}
	encoded, _ := json.Marshal(msgs[0].Payload)
	if string(encoded) != `"Hello"` {
		t.Errorf("wire payload = %s, want bare string", encoded)
	}
}

func TestSendWithoutTextOrAttachmentsRejected(t *testing.T) {
	_, coord, ts := newTestServer(t)
	agentID := spawnWorker(t, coord)

	resp, body := postJSON(t, ts.URL+"/api/send", map[string]any{"to": agentID})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "missing_text" {
		t.Errorf("error = %v, want missing_text", body["error"])
	}
	if got := coord.Bus().InboxSize(agentID); got != 0 {
		t.Errorf("inbox = %d, nothing should deliver", got)
	}
}

func TestSendToUnknownAgent(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := postJSON(t, ts.URL+"/api/send", map[string]any{"to": "agent-nope", "message": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if body["error"] != "agent_not_found" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestListAgentsHomeScope(t *testing.T) {
	_, coord, ts := newTestServer(t)
	spawnWorker(t, coord)

	resp, body := getJSON(t, ts.URL+"/api/agents?org=home")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	agents, _ := body["agents"].([]any)
	if len(agents) != 2 {
		t.Fatalf("home agents = %d, want root and user only", len(agents))
	}
	ids := map[string]bool{}
	for _, raw := range agents {
		entry := raw.(map[string]any)
		ids[entry["id"].(string)] = true
	}
	if !ids["root"] || !ids["user"] {
		t.Errorf("ids = %v", ids)
	}
}

func TestListAgentsAllIncludesWorker(t *testing.T) {
	_, coord, ts := newTestServer(t)
	agentID := spawnWorker(t, coord)

	resp, body := getJSON(t, ts.URL+"/api/agents?org=all")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	agents, _ := body["agents"].([]any)
	found := false
	for _, raw := range agents {
		if raw.(map[string]any)["id"] == agentID {
			found = true
		}
	}
	if !found {
		t.Errorf("worker %s missing from org=all", agentID)
	}
	if body["tree"] == nil {
		t.Error("org=all should include the tree projection")
	}
}

func TestAbortAndResumeAgent(t *testing.T) {
	_, coord, ts := newTestServer(t)
	agentID := spawnWorker(t, coord)

	resp, _ := postJSON(t, ts.URL+"/api/agents/"+agentID+"/abort", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort status = %d", resp.StatusCode)
	}
	if got := coord.RuntimeState().Status(agentID); got != models.StatusStopped {
		t.Errorf("status = %s after abort, want stopped", got)
	}

	resp, _ = postJSON(t, ts.URL+"/api/agents/"+agentID+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if got := coord.RuntimeState().Status(agentID); got != models.StatusIdle {
		t.Errorf("status = %s after resume, want idle", got)
	}

	resp, body := postJSON(t, ts.URL+"/api/agents/agent-nope/abort", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "agent_not_found" {
		t.Errorf("unknown agent abort = %d %v", resp.StatusCode, body)
	}
}

func TestTerminateRootRefused(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := postJSON(t, ts.URL+"/api/agents/root/terminate", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "cannot_terminate_root" {
		t.Errorf("error = %v", body["error"])
	}
}

func uploadFile(t *testing.T, url, filename string, content []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode: %v", err)
	}
	return resp, decoded
}

func TestArtifactUploadDownloadRoundTrip(t *testing.T) {
	_, _, ts := newTestServer(t)
	content := []byte("hello artifact")

	resp, body := uploadFile(t, ts.URL+"/api/artifacts", "notes.txt", content)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, body = %v", resp.StatusCode, body)
	}
	ref, _ := body["artifactRef"].(string)
	if !strings.HasPrefix(ref, "artifact:") {
		t.Fatalf("artifactRef = %q", ref)
	}

	got, err := http.Get(ts.URL + "/api/artifacts/" + strings.TrimPrefix(ref, "artifact:"))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", got.StatusCode)
	}
	downloaded, _ := io.ReadAll(got.Body)
	if !bytes.Equal(downloaded, content) {
		t.Errorf("downloaded = %q, want %q", downloaded, content)
	}
}

func TestArtifactUploadTooLarge(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := uploadFile(t, ts.URL+"/api/artifacts", "big.bin", make([]byte, maxUploadBytes+1))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
	if body["error"] != "file_too_large" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestGetUnknownArtifact(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := getJSON(t, ts.URL+"/api/artifacts/no-such-id")
	if resp.StatusCode != http.StatusNotFound || body["error"] != "artifact_not_found" {
		t.Errorf("got %d %v", resp.StatusCode, body)
	}
}

func TestLLMConfigMasksKeyAndUpdates(t *testing.T) {
	_, coord, ts := newTestServer(t)

	resp, body := getJSON(t, ts.URL+"/api/config/llm")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	key, _ := body["apiKey"].(string)
	if key == "" || !strings.Contains(key, "****") {
		t.Errorf("apiKey = %q, want masked", key)
	}
	if strings.Contains(key, "567890") {
		t.Errorf("apiKey = %q leaks the middle of the secret", key)
	}

	resp, _ = postJSON(t, ts.URL+"/api/config/llm", map[string]any{
		"model": "gpt-4o", "baseURL": "https://llm.internal/v1", "temperature": 0.2, "apiKey": key,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	cfg := coord.Config()
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.BaseURL != "https://llm.internal/v1" {
		t.Errorf("config = %+v", cfg.LLM)
	}
	if cfg.LLM.APIKey != "sk-test-1234567890abcdef" {
		t.Errorf("posting a masked key must keep the stored key, got %q", cfg.LLM.APIKey)
	}

	resp, body = postJSON(t, ts.URL+"/api/config/llm", map[string]any{"model": ""})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_config" {
		t.Errorf("empty model update = %d %v", resp.StatusCode, body)
	}
}

func TestServiceCatalogCRUD(t *testing.T) {
	_, coord, ts := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/api/config/llm-services", map[string]any{
		"id": "vision-svc", "name": "vision", "model": "gpt-4o",
		"baseURL": "https://vision.internal/v1", "apiKey": "sk-vision-secret",
		"capabilities": map[string]any{"input": []string{"text", "image"}, "output": []string{"text"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status = %d", resp.StatusCode)
	}

	resp, body := getJSON(t, ts.URL+"/api/config/llm-services/vision-svc")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if key, _ := body["apiKey"].(string); strings.Contains(key, "vision-secret") {
		t.Errorf("apiKey leaked: %q", key)
	}
	if def, ok := coord.Services().GetServiceByID("vision-svc"); !ok || def.APIKey != "sk-vision-secret" {
		t.Errorf("registry entry = %+v", def)
	}

	resp, body = getJSON(t, ts.URL+"/api/config/llm-services")
	services, _ := body["services"].([]any)
	if resp.StatusCode != http.StatusOK || len(services) != 1 {
		t.Fatalf("list = %d entries, status %d", len(services), resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/config/llm-services/vision-svc", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", del.StatusCode)
	}
	if _, ok := coord.Services().GetServiceByID("vision-svc"); ok {
		t.Error("service still present after delete")
	}
}

func TestOrgTemplateCRUD(t *testing.T) {
	_, coord, ts := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/api/org-templates", map[string]any{
		"name":        "dev-team",
		"description": "a small build team",
		"roles": []map[string]any{
			{"name": "lead", "prompt": "coordinate"},
			{"name": "coder", "prompt": "implement", "toolGroups": []string{"system"}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("created template has no id")
	}

	resp, body = getJSON(t, ts.URL+"/api/org-templates/"+id)
	if resp.StatusCode != http.StatusOK || body["name"] != "dev-team" {
		t.Errorf("get = %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/org-templates/"+id,
		strings.NewReader(`{"name":"dev-team-v2","roles":[]}`))
	req.Header.Set("Content-Type", "application/json")
	put, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Errorf("update status = %d", put.StatusCode)
	}

	// Templates survive a store reload from disk.
	reloaded, err := NewTemplateStore(filepath.Join(coord.Config().Runtime.RuntimeDir, "org-templates.json"), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	tpl, ok := reloaded.Get(id)
	if !ok || tpl.Name != "dev-team-v2" {
		t.Errorf("reloaded template = %+v, %v", tpl, ok)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/org-templates/"+id, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", del.StatusCode)
	}
	resp, _ = getJSON(t, ts.URL+"/api/org-templates/"+id)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted template still resolves, status = %d", resp.StatusCode)
	}
}

func TestUICommandBridgeRoundTrip(t *testing.T) {
	srv, _, ts := newTestServer(t)

	type dispatchResult struct {
		res json.RawMessage
		ok  bool
	}
	done := make(chan dispatchResult, 1)
	go func() {
		_, result := srv.Bridge().Dispatch("client-1", "confirm", json.RawMessage(`{"question":"proceed?"}`))
		select {
		case res := <-result:
			done <- dispatchResult{res: res, ok: true}
		case <-time.After(5 * time.Second):
			done <- dispatchResult{}
		}
	}()

	var cmdID string
	deadline := time.Now().Add(5 * time.Second)
	for cmdID == "" && time.Now().Before(deadline) {
		resp, body := getJSON(t, ts.URL+"/api/ui-commands/poll?clientId=client-1&timeoutMs=500")
		if resp.StatusCode == http.StatusOK {
			cmd := body["command"].(map[string]any)
			cmdID = cmd["id"].(string)
			if cmd["name"] != "confirm" {
				t.Errorf("command = %v", cmd)
			}
		}
	}
	if cmdID == "" {
		t.Fatal("poll never returned the dispatched command")
	}

	resp, _ := postJSON(t, ts.URL+"/api/ui-commands/result", map[string]any{
		"commandId": cmdID, "result": map[string]any{"answer": "yes"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d", resp.StatusCode)
	}

	select {
	case got := <-done:
		if !got.ok || !strings.Contains(string(got.res), "yes") {
			t.Errorf("dispatch result = %s, ok = %v", got.res, got.ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never saw the result")
	}
}

func TestUIPollTimesOut(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := getJSON(t, fmt.Sprintf("%s/api/ui-commands/poll?clientId=nobody&timeoutMs=%d", ts.URL, 50))
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Errorf("status = %d, want 408", resp.StatusCode)
	}
	if body["error"] != "ui_timeout" {
		t.Errorf("error = %v, want ui_timeout", body["error"])
	}
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := getJSON(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
}
