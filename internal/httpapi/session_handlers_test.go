package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/optimiser/internal/apikey"
	"github.com/jordanhubbard/optimiser/internal/events"
	"github.com/jordanhubbard/optimiser/internal/health"
	"github.com/jordanhubbard/optimiser/internal/metrics"
	"github.com/jordanhubbard/optimiser/internal/protocol"
	"github.com/jordanhubbard/optimiser/internal/registry"
	"github.com/jordanhubbard/optimiser/internal/stats"
	"github.com/jordanhubbard/optimiser/internal/store"
	"github.com/jordanhubbard/optimiser/internal/tsdb"
	"github.com/jordanhubbard/optimiser/internal/vault"
)

// testAPIKey is the plaintext key generated during test setup, authenticating
// requests against the /v1/sessions and /ws routes.
var testAPIKey string

func setupTestServer(t *testing.T) (*httptest.Server, Dependencies) {
	t.Helper()
	return setupTestServerWithVault(t, false)
}

func setupTestServerWithVault(t *testing.T, vaultEnabled bool) (*httptest.Server, Dependencies) {
	t.Helper()

	r := chi.NewRouter()
	v, err := vault.New(vaultEnabled)
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ts, err := tsdb.New(db.DB())
	if err != nil {
		t.Fatalf("failed to create tsdb: %v", err)
	}

	reg := registry.New(db)
	bus := events.NewBus()
	sc := stats.NewCollector()
	m := metrics.New()
	ht := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	keyMgr := apikey.NewManager(db)
	budgetChecker := apikey.NewBudgetChecker(db, reg)

	plaintext, _, err := keyMgr.Generate(context.Background(), "test-key", `["optimise","read"]`, 0, nil)
	if err != nil {
		t.Fatalf("failed to generate test api key: %v", err)
	}
	testAPIKey = plaintext

	d := Dependencies{
		Registry:          reg,
		Vault:             v,
		Metrics:           m,
		Store:             db,
		Health:            ht,
		EventBus:          bus,
		Stats:             sc,
		TSDB:              ts,
		APIKeyMgr:         keyMgr,
		BudgetChecker:     budgetChecker,
		InactivityTimeout: 5 * time.Second,
		REST:              NewRESTBridge(),
	}
	MountRoutes(r, d)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, d
}

func authedRequest(method, url, apiKey string, body []byte) (*http.Response, error) {
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return http.DefaultClient.Do(req)
}

func singleDimConfig(trials int) protocol.OptimisationConfig {
	return protocol.OptimisationConfig{
		Trials: trials,
		Dimensions: []protocol.DimensionSpec{
			{ID: "lookback", Kind: "int", Min: 1, Max: 10, Step: 1, Enabled: true},
		},
		Targets: []protocol.TargetSpec{{MetricID: "sharpe", Weight: 1}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestSessionInitRequiresAPIKey(t *testing.T) {
	srv, _ := setupTestServer(t)

	cfg := singleDimConfig(3)
	body, _ := json.Marshal(cfg)
	resp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/init", "", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without an api key, got %d", resp.StatusCode)
	}
}

func TestSessionInitRejectsInvalidConfig(t *testing.T) {
	srv, _ := setupTestServer(t)

	cfg := singleDimConfig(3)
	cfg.Dimensions[0].Enabled = false // no enabled dimension -> invalid
	body, _ := json.Marshal(cfg)
	resp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/init", testAPIKey, body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a config with no enabled dimension, got %d", resp.StatusCode)
	}
}

func TestSessionAskTellRoundTrip(t *testing.T) {
	srv, _ := setupTestServer(t)

	cfg := singleDimConfig(2)
	body, _ := json.Marshal(cfg)
	resp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/init", testAPIKey, body)
	if err != nil {
		t.Fatalf("init request failed: %v", err)
	}
	var initResp map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&initResp)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %v", resp.StatusCode, initResp)
	}
	sessionID, _ := initResp["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("init response missing sessionId")
	}
	trial, ok := initResp["trial"].(float64)
	if !ok {
		t.Fatalf("init response missing first trial: %v", initResp)
	}

	// Submit results for both configured trials and expect a "done" response.
	for i := 0; i < cfg.Trials; i++ {
		obs := observeRequest{Trial: int(trial), Metrics: map[string]float64{"sharpe": 1.2}}
		obsBody, _ := json.Marshal(obs)
		oresp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/"+sessionID+"/observe", testAPIKey, obsBody)
		if err != nil {
			t.Fatalf("observe request failed: %v", err)
		}
		var out map[string]any
		_ = json.NewDecoder(oresp.Body).Decode(&out)
		_ = oresp.Body.Close()
		if oresp.StatusCode != http.StatusOK {
			t.Fatalf("observe: expected 200, got %d: %v", oresp.StatusCode, out)
		}
		if done, _ := out["done"].(bool); done {
			break
		}
		if t2, ok := out["trial"].(float64); ok {
			trial = t2
		}
	}

	statusResp, err := authedRequest(http.MethodGet, srv.URL+"/v1/sessions/"+sessionID+"/status", testAPIKey, nil)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer func() { _ = statusResp.Body.Close() }()
	if statusResp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", statusResp.StatusCode)
	}
}

func TestSessionStopUnknownSession(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/does-not-exist/stop", testAPIKey, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown session, got %d", resp.StatusCode)
	}
}

// TestSessionResume_ContinuesTrialNumberingFromPersistedHistory covers
// warm-start resume end to end: a finished session's persisted trial
// history is replayed and its numbering continued when a client later
// re-inits with the same client-supplied SessionID, rather than the new
// session starting back over at trial 0.
func TestSessionResume_ContinuesTrialNumberingFromPersistedHistory(t *testing.T) {
	srv, _ := setupTestServer(t)

	cfg := singleDimConfig(2)
	cfg.SessionID = "warm-resume-1"
	body, _ := json.Marshal(cfg)
	resp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/init", testAPIKey, body)
	if err != nil {
		t.Fatalf("init request failed: %v", err)
	}
	var initResp map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&initResp)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %v", resp.StatusCode, initResp)
	}
	sessionID, _ := initResp["sessionId"].(string)
	trial, _ := initResp["trial"].(float64)

	for i := 0; i < cfg.Trials; i++ {
		obs := observeRequest{Trial: int(trial), Metrics: map[string]float64{"sharpe": 1.2}}
		obsBody, _ := json.Marshal(obs)
		oresp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/"+sessionID+"/observe", testAPIKey, obsBody)
		if err != nil {
			t.Fatalf("observe request failed: %v", err)
		}
		var out map[string]any
		_ = json.NewDecoder(oresp.Body).Decode(&out)
		_ = oresp.Body.Close()
		if oresp.StatusCode != http.StatusOK {
			t.Fatalf("observe: expected 200, got %d: %v", oresp.StatusCode, out)
		}
		if done, _ := out["done"].(bool); done {
			break
		}
		if t2, ok := out["trial"].(float64); ok {
			trial = t2
		}
	}

	// The first session has fully completed and been removed from the
	// registry's in-memory map; its warm-start row survives in the store.
	// Re-init with the same client-supplied id should resume rather than
	// restart.
	resumeCfg := singleDimConfig(5)
	resumeCfg.SessionID = sessionID
	resumeBody, _ := json.Marshal(resumeCfg)
	resumeResp, err := authedRequest(http.MethodPost, srv.URL+"/v1/sessions/init", testAPIKey, resumeBody)
	if err != nil {
		t.Fatalf("resume init request failed: %v", err)
	}
	defer func() { _ = resumeResp.Body.Close() }()
	var resumeInit map[string]any
	_ = json.NewDecoder(resumeResp.Body).Decode(&resumeInit)
	if resumeResp.StatusCode != http.StatusOK {
		t.Fatalf("resume init: expected 200, got %d: %v", resumeResp.StatusCode, resumeInit)
	}
	if got, _ := resumeInit["sessionId"].(string); got != sessionID {
		t.Fatalf("expected resumed session to keep id %q, got %q", sessionID, got)
	}
	resumedTrial, ok := resumeInit["trial"].(float64)
	if !ok {
		t.Fatalf("resume init response missing first trial: %v", resumeInit)
	}
	if int(resumedTrial) != cfg.Trials {
		t.Fatalf("expected resumed session's first trial number to continue from %d completed trials, got %v", cfg.Trials, resumedTrial)
	}
}

func TestSessionCeiling(t *testing.T) {
	if got := sessionCeiling(0, time.Second); got != 2*time.Second {
		t.Errorf("sessionCeiling(0, 1s) = %v, want 2s (treats 0 trials as 1)", got)
	}
	if got := sessionCeiling(4, time.Second); got != 5*time.Second {
		t.Errorf("sessionCeiling(4, 1s) = %v, want 5s", got)
	}
}
