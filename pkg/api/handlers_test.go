package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/ingest"
	"github.com/testplane/testplane/pkg/queue"
	"github.com/testplane/testplane/pkg/registry"
	"github.com/testplane/testplane/pkg/store"
)

const ciToken = "ci-token"

const sampleReport = `<testsuite name="auth">
  <testcase name="login" time="0.25"/>
  <testcase name="logout">
    <failure message="boom"/>
  </testcase>
</testsuite>`

type testServer struct {
	srv    *server
	http   *httptest.Server
	store  store.Store
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	return newTestServerWith(t, nil)
}

// newTestServerWith applies tune to the default config before the
// server is built.
func newTestServerWith(t *testing.T, tune func(*config.Config)) *testServer {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		Server: config.ServerConfig{Listen: "127.0.0.1:0"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "test.db"),
			},
		},
		Auth: config.AuthConfig{
			Principals: []config.PrincipalConfig{
				{Name: "ci", Token: ciToken, Role: "importer", Projects: []string{"proj-1"}},
			},
		},
		Ingest: config.IngestConfig{
			DefaultPattern:   "**/*.xml",
			ParseConcurrency: 2,
		},
		Queue: config.QueueConfig{MaxPollSeconds: 2},
	}

	if tune != nil {
		tune(cfg)
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.SeedPrincipals(context.Background(), cfg.Auth.Principals))

	b := bus.New(log)
	q := queue.New(log, queue.Config{})
	reg := registry.New(log, registry.Config{
		OnEvict: func(runnerID string) { q.ReleaseRunner(runnerID) },
	})
	im := ingest.NewImporter(log, &cfg.Ingest, st, b, nil)

	s := NewServer(log, cfg, st, q, reg, im, b).(*server)
	s.subscribeEvents()

	ts := httptest.NewServer(s.buildRouter())
	t.Cleanup(ts.Close)

	return &testServer{
		srv:    s,
		http:   ts,
		store:  st,
		client: ts.Client(),
	}
}

// do issues a JSON request with an optional bearer token.
func (ts *testServer) do(
	t *testing.T, method, path, token string, body any,
) *http.Response {
	t.Helper()

	var reader io.Reader

	switch v := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.client.Do(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)

		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs", "", map[string]string{
		"project_id": "proj-1",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/test-runs", "wrong", map[string]string{
		"project_id": "proj-1",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestProjectAccessEnforced(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs", ciToken, map[string]string{
		"project_id": "proj-2",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestImportFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs", ciToken, map[string]string{
		"id":         "run-1",
		"project_id": "proj-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	data := buildZip(t, map[string]string{"reports/auth.xml": sampleReport})

	resp = ts.do(t, http.MethodPost, "/api/v1/test-runs/run-1/import", ciToken, data)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	outcome := decodeBody(t, resp)
	assert.Equal(t, float64(1), outcome["files_matched"])
	assert.Equal(t, float64(2), outcome["cases_imported"])
	assert.Equal(t, float64(1), outcome["failures_imported"])

	resp = ts.do(t, http.MethodGet, "/api/v1/test-runs/run-1/case-runs", ciToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []store.CaseRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	_ = resp.Body.Close()
	assert.Len(t, runs, 2)
}

func TestImportBadArchive(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs", ciToken, map[string]string{
		"id":         "run-1",
		"project_id": "proj-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/test-runs/run-1/import", ciToken,
		[]byte("not a zip"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRunnerDispatchFlow(t *testing.T) {
	ts := newTestServer(t)

	// Seed a test run with one failed case via import.
	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs", ciToken, map[string]string{
		"id":         "run-1",
		"project_id": "proj-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	data := buildZip(t, map[string]string{"auth.xml": sampleReport})

	resp = ts.do(t, http.MethodPost, "/api/v1/test-runs/run-1/import", ciToken, data)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	runs, err := ts.store.ListCaseRuns(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	var failed string

	for _, run := range runs {
		if run.Outcome == "failed" {
			failed = run.ID
		}
	}

	require.NotEmpty(t, failed)

	// Register a runner.
	resp = ts.do(t, http.MethodPost, "/api/v1/runners/register", "", map[string]any{
		"runner_id":    "runner-1",
		"capabilities": map[string]string{"os": "linux"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lease := decodeBody(t, resp)
	token, _ := lease["lease_token"].(string)
	require.NotEmpty(t, token)

	// Nothing assigned yet: poll comes back empty.
	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/poll", token, map[string]int{
		"wait_seconds": 0,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	// Assigning the failed case to automation enqueues a job.
	resp = ts.do(t, http.MethodPost, "/api/v1/case-runs/"+failed+"/assign", ciToken,
		map[string]string{"assignee": "automation"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/poll", token, map[string]int{
		"wait_seconds": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job := decodeBody(t, resp)
	assert.Equal(t, failed, job["case_run_id"])

	jobID, _ := job["id"].(string)
	require.NotEmpty(t, jobID)

	// Renew, then complete with a passing outcome.
	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/renew", token, map[string]int{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/complete", token,
		map[string]string{"outcome": "passed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	got, err := ts.store.GetCaseRun(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, "passed", got.Outcome)
}

func TestJobEndpointsRequireLease(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/jobs/poll", "", map[string]int{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/poll", "bogus", map[string]int{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs", ciToken, map[string]string{
		"id":         "run-1",
		"project_id": "proj-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/pipelines", ciToken, map[string]string{
		"test_run_id": "run-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody(t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	base := fmt.Sprintf("/api/v1/pipelines/%s", id)

	resp = ts.do(t, http.MethodPost, base+"/status", ciToken, map[string]string{
		"status": "running",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, base+"/status", ciToken, map[string]string{
		"status":      "failed",
		"start_error": "exit 1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// A backwards transition is rejected.
	resp = ts.do(t, http.MethodPost, base+"/status", ciToken, map[string]string{
		"status": "running",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// Retry resets to pending.
	resp = ts.do(t, http.MethodPost, base+"/retry", ciToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodGet, base, ciToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pipeline := decodeBody(t, resp)
	assert.Equal(t, "pending", pipeline["status"])
}

func TestUnknownPipeline(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/pipelines/missing", ciToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRateLimitEnforced(t *testing.T) {
	ts := newTestServerWith(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{
			Enabled: true,
			Ingest:  config.RateLimitTier{RequestsPerMinute: 2},
			Runner:  config.RateLimitTier{RequestsPerMinute: 100},
		}
	})

	// The limiter's burst equals the per-minute limit, so the third
	// request inside the same minute is rejected.
	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodGet, "/api/v1/test-runs/missing", ciToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/test-runs/missing", ciToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	_ = resp.Body.Close()

	// The runner tier has its own budget; registration is unaffected
	// by the exhausted ingest tier.
	resp = ts.do(t, http.MethodPost, "/api/v1/runners/register", "", map[string]any{
		"runner_id": "runner-a",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestImportTooLarge(t *testing.T) {
	ts := newTestServerWith(t, func(cfg *config.Config) {
		cfg.Server.MaxUploadBytes = 64
	})

	ctx := context.Background()
	require.NoError(t, ts.store.CreateTestRun(ctx, &store.TestRun{ID: "run-1", ProjectID: "proj-1"}))

	body := make([]byte, 65)

	resp := ts.do(t, http.MethodPost, "/api/v1/test-runs/run-1/import", ciToken, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_ = resp.Body.Close()
}
