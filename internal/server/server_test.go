package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"runline/internal/agent"
	"runline/internal/app"
	"runline/internal/apperr"
	"runline/internal/approval"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/queue"
)

const (
	testSecret  = "test-secret"
	testProject = "proj-http"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Queue.SigningKey = "queue-signing-key"
	a, err := app.Open(context.Background(), app.Options{
		Workspace: workspace,
		Config:    cfg,
		Model:     &agent.ScriptedModel{Final: "all done"},
		InProcess: true,
		Migrate:   true,
	})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	if _, err := a.Engine.InitProject(context.Background(), testProject, "", "alice"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:     a.Engine,
		Dispatcher: a.Dispatcher,
		Gate:       a.Gate,
		Artifacts:  a.Artifacts,
		Streams:    a.Streams,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret},
		Redactor:   a.Redactor,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   actor,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func pendingRun(t *testing.T, e engine.Engine) domain.Run {
	t.Helper()
	run, err := e.CreateRun(context.Background(), engine.CreateRunOptions{ProjectID: testProject, Kind: "code", ActorID: "alice"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func waitForStatus(t *testing.T, srv *testServer, runID, status string) RunResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var run RunResponse
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+runID, nil, bearer(t, "alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get run: %d %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &run); err != nil {
			t.Fatalf("unmarshal run: %v", err)
		}
		if run.Status == status {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s stayed %s, want %s", runID, run.Status, status)
	return run
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header must not authenticate by default, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if doc.Components.SecuritySchemes["bearerAuth"] == nil || doc.Components.SecuritySchemes["apiKeyAuth"] == nil {
		t.Fatalf("missing security schemes: %v", doc.Components.SecuritySchemes)
	}
	security := func(route string) []map[string][]string {
		var op struct {
			Security []map[string][]string `json:"security"`
		}
		if err := json.Unmarshal(doc.Paths[route]["get"], &op); err != nil {
			t.Fatalf("decode %s: %v", route, err)
		}
		return op.Security
	}
	if sec := security("/v0/health"); len(sec) != 0 {
		t.Fatalf("health must not require credentials: %v", sec)
	}
	if sec := security("/v0/projects"); len(sec) != 2 {
		t.Fatalf("projects must declare both schemes: %v", sec)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/runs", map[string]any{
		"kind":     "code",
		"metadata": map[string]any{"prompt": "say hi"},
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var created RunResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if created.WorkflowRunID == nil || *created.WorkflowRunID == "" {
		t.Fatalf("expected workflow run id, got %+v", created)
	}
	waitForStatus(t, srv, created.ID, domain.StatusSucceeded)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/runs?limit=1", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}
	var page paginatedRuns
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].ID != created.ID {
		t.Fatalf("unexpected page: %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/artifacts/code%2Foutput/versions/0", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get artifact: %d %s", res.StatusCode, string(data))
	}
	var art ArtifactResponse
	_ = json.Unmarshal(data, &art)
	if art.LogicalKey != "code/output" || art.Content != "all done" || art.RunID != created.ID {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+created.ID, nil, bearer(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d %s", res.StatusCode, string(data))
	}
}

func TestStreamReplaysUntilFinish(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/runs", map[string]any{"kind": "code"}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run: %d %s", res.StatusCode, string(data))
	}
	var created RunResponse
	_ = json.Unmarshal(data, &created)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/runs/"+created.ID+"/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range bearer(t, "alice") {
		req.Header.Set(k, v)
	}
	stream, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(stream.Body)
		t.Fatalf("stream status %d: %s", stream.StatusCode, string(body))
	}
	var ids, kinds []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != "finish" {
		t.Fatalf("expected stream to end with finish, got %v", kinds)
	}
	if ids[0] != "0" {
		t.Fatalf("expected replay from index 0, got %v", ids)
	}

	// resuming past the last index yields only what follows it
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/runs/"+created.ID+"/stream?startIndex="+ids[len(ids)-1], nil)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range bearer(t, "alice") {
		req.Header.Set(k, v)
	}
	resumed, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("resume stream: %v", err)
	}
	body, _ := io.ReadAll(resumed.Body)
	resumed.Body.Close()
	if strings.Count(string(body), "event: ") != 1 || !strings.Contains(string(body), "event: finish") {
		t.Fatalf("expected only the finish event, got %q", string(body))
	}
}

func TestStreamPreconditionOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pending := pendingRun(t, srv.App.Engine)

	cases := []struct {
		name   string
		url    string
		actor  string
		status int
	}{
		{"bad index", "/v0/runs/missing/stream?startIndex=-1", "alice", http.StatusBadRequest},
		{"non numeric index", "/v0/runs/missing/stream?startIndex=abc", "alice", http.StatusBadRequest},
		{"unknown run", "/v0/runs/missing/stream", "alice", http.StatusNotFound},
		{"no read permission", "/v0/runs/" + pending.ID + "/stream", "mallory", http.StatusForbidden},
		{"no execution handle", "/v0/runs/" + pending.ID + "/stream", "alice", http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, http.MethodGet, srv.URL+tc.url, nil, bearer(t, tc.actor))
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, res.StatusCode, string(data))
			}
		})
	}

	if _, err := srv.App.Engine.AttachWorkflowRun(context.Background(), pending.ID, "wf_gone"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+pending.ID+"/stream", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown execution, got %d %s", res.StatusCode, string(data))
	}
}

func TestCancelRunRequiresPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	run := pendingRun(t, srv.App.Engine)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/cancel", nil, bearer(t, "mallory"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/cancel", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	var out CancelRunResponse
	_ = json.Unmarshal(data, &out)
	if !out.Canceled || out.Run.Status != domain.StatusCanceled {
		t.Fatalf("unexpected cancel result: %+v", out)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/cancel", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second cancel: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &out)
	if out.Canceled {
		t.Fatalf("second cancel must be a no-op")
	}
}

func TestQueueCallbackVerifiesSignature(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/queue/steps"

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"runId": "r", "stepId": "agent"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d %s", res.StatusCode, string(data))
	}
	other := queue.NewSigner("another-key", "")
	body := []byte(`{"runId":"r","stepId":"agent"}`)
	sig, err := other.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, url, json.RawMessage(body), map[string]string{queue.SignatureHeader: sig})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign key, got %d %s", res.StatusCode, string(data))
	}

	bad := []byte(`{"runId":"r"}`)
	sig, err = srv.App.Signer.Sign(bad)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, url, json.RawMessage(bad), map[string]string{queue.SignatureHeader: sig})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete callback, got %d %s", res.StatusCode, string(data))
	}
}

func TestResumeApproval(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	run := pendingRun(t, srv.App.Engine)
	req, _, err := srv.App.Gate.Ensure(context.Background(), approval.Request{RunID: run.ID, Scope: "deploy", IntentSummary: "ship it"})
	if err != nil {
		t.Fatalf("ensure approval: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/approvals", nil, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals: %d %s", res.StatusCode, string(data))
	}
	var listed []domain.ApprovalRequest
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 1 || listed[0].Status != domain.ApprovalRequested {
		t.Fatalf("unexpected approvals: %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+req.ID+"/resume", map[string]any{"approvedBy": ""}, bearer(t, "alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without approvedBy, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+req.ID+"/resume", map[string]any{"approvedBy": "bob", "scope": "deploy"}, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume: %d %s", res.StatusCode, string(data))
	}
	var resolved domain.ApprovalRequest
	_ = json.Unmarshal(data, &resolved)
	if resolved.Status != domain.ApprovalApproved || resolved.ApprovedBy == nil || *resolved.ApprovedBy != "bob" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestAPIKeyAuthenticatesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, secret, err := srv.App.Engine.CreateAPIKey(context.Background(), "alice", "laptop", "alice")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects: %d %s", res.StatusCode, string(data))
	}
	var projects []ProjectResponse
	_ = json.Unmarshal(data, &projects)
	if len(projects) != 1 || projects[0].ID != testProject {
		t.Fatalf("unexpected projects: %+v", projects)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "rl_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
	keys, err := srv.App.Engine.Repo.ListAPIKeys(context.Background(), "alice")
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("expected last_used_at after use: %+v %v", keys, err)
	}
	if _, err := srv.App.Engine.RevokeAPIKey(context.Background(), keys[0].ID, "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked key, got %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelopeIsRedacted(t *testing.T) {
	const secret = "sk-proj-abcdefghijklmnop1234"
	err := apperr.New(apperr.BadRequest, "upstream said api_key=%s", secret).
		WithDetails(map[string]any{"header": "Authorization: Bearer abcdefghijklmnop", "field": "prompt"})
	ae, ok := handleError(err).(*apiError)
	if !ok {
		t.Fatalf("expected *apiError, got %T", handleError(err))
	}
	if ae.status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ae.status)
	}
	body, merr := json.Marshal(ae)
	if merr != nil {
		t.Fatalf("marshal envelope: %v", merr)
	}
	for _, leaked := range []string{secret, "abcdefghijklmnop"} {
		if strings.Contains(string(body), leaked) {
			t.Fatalf("envelope leaks %q: %s", leaked, body)
		}
	}
	if ae.Body.Details["field"] != "prompt" {
		t.Fatalf("expected unrelated details to survive, got %v", ae.Body.Details)
	}
	if !strings.Contains(ae.Body.Message, "upstream said") {
		t.Fatalf("expected message context to survive, got %q", ae.Body.Message)
	}
}
