package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zipcode-subnet/validator-core/internal/authsig"
	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/policy"
	"github.com/zipcode-subnet/validator-core/internal/storage"
)

const testSecret = "test-shared-secret"

func setupTestServer(t *testing.T) (*Server, *miniredis.Miniredis, *storage.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}

	store, err := storage.NewClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("storage.NewClient() error = %v", err)
	}

	cfg := &config.Config{}
	cfg.API.Bind = "127.0.0.1:0"
	cfg.API.StatsCache = time.Second
	cfg.API.SignatureSkew = 5 * time.Minute
	cfg.Coordinator.Secret = testSecret

	policyCfg := policy.DefaultConfig()
	policyCfg.BanningEnabled = false
	policyCfg.RateLimitEnabled = false
	policySrv := policy.NewServer(policyCfg, store)

	s := NewServer(cfg, store, policySrv)
	return s, mr, store
}

func signedRequest(t *testing.T, method, path string, body []byte, minerID string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	sig := authsig.Sign([]byte(testSecret), method, path, body, ts)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-Miner-Id", minerID)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func seedActiveEpoch(t *testing.T, store *storage.Client) *epoch.Epoch {
	t.Helper()
	e := &epoch.Epoch{
		ID:             "epoch-1",
		StartAt:        time.Now().Add(-time.Hour),
		EndAt:          time.Now().Add(3 * time.Hour),
		Status:         epoch.StatusActive,
		TargetListings: 1000,
		TolerancePct:   0.1,
		Zipcodes: []epoch.ZipcodeAssignment{
			{Zipcode: "19103", ExpectedListings: 100, MarketTier: epoch.MarketStandard},
			{Zipcode: "90210", ExpectedListings: 50, MarketTier: epoch.MarketPremium, IsHoneypot: true},
		},
	}
	if err := store.PutEpoch(e); err != nil {
		t.Fatalf("PutEpoch() error = %v", err)
	}
	return e
}

func TestHandleStats(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if resp.CurrentEpochID != "epoch-1" {
		t.Errorf("CurrentEpochID = %q, want epoch-1", resp.CurrentEpochID)
	}
	if resp.TotalZipcodes != 2 {
		t.Errorf("TotalZipcodes = %d, want 2", resp.TotalZipcodes)
	}
}

func TestHandleStatsNoActiveEpoch(t *testing.T) {
	s, mr, _ := setupTestServer(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp StatsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "no_active_epoch" {
		t.Errorf("Status = %q, want no_active_epoch", resp.Status)
	}
}

func TestHandleCurrentAssignmentStripsHoneypots(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	req := signedRequest(t, http.MethodGet, "/assignments/current", nil, "miner-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp AssignmentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if len(resp.Zipcodes) != 1 {
		t.Fatalf("got %d zipcodes, want 1 (honeypot stripped)", len(resp.Zipcodes))
	}
	if resp.Zipcodes[0].Zipcode != "19103" {
		t.Errorf("Zipcode = %q, want 19103", resp.Zipcodes[0].Zipcode)
	}
}

func TestHandleCurrentAssignmentRejectsUnsigned(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	req := httptest.NewRequest(http.MethodGet, "/assignments/current", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleCurrentAssignmentRejectsBadSignature(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	req := httptest.NewRequest(http.MethodGet, "/assignments/current", nil)
	req.Header.Set("X-Miner-Id", "miner-1")
	req.Header.Set("X-Signature", "deadbeef")
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleStatusUpdate(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	body, _ := json.Marshal(StatusUpdate{
		MinerID:         "miner-1",
		EpochID:         "epoch-1",
		ListingsScraped: 97,
		UploadComplete:  true,
	})

	req := signedRequest(t, http.MethodPost, "/assignments/status", body, "miner-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	got, err := store.GetSubmissionStatus("epoch-1", "miner-1")
	if err != nil {
		t.Fatalf("GetSubmissionStatus() error = %v", err)
	}
	if got.ListingsScraped != 97 || got.Status != "completed" {
		t.Errorf("got %+v", got)
	}
}

func TestHandleEpochMetadataIncludesHoneypots(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	req := signedRequest(t, http.MethodGet, "/epochs/epoch-1", nil, "validator-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var got epoch.Epoch
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}
	if len(got.Zipcodes) != 2 {
		t.Fatalf("got %d zipcodes, want 2 (honeypots included)", len(got.Zipcodes))
	}
}

func TestHandleEpochMetadataNotFound(t *testing.T) {
	s, mr, _ := setupTestServer(t)
	defer mr.Close()

	req := signedRequest(t, http.MethodGet, "/epochs/nonexistent", nil, "validator-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleBlacklistRoundTrip(t *testing.T) {
	s, mr, _ := setupTestServer(t)
	defer mr.Close()

	req := signedRequest(t, http.MethodPost, "/admin/blacklist/miner-bad", nil, "admin")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("add blacklist status = %d, body = %s", w.Code, w.Body.String())
	}

	req2 := signedRequest(t, http.MethodGet, "/admin/blacklist", nil, "admin")
	w2 := httptest.NewRecorder()
	s.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("get blacklist status = %d", w2.Code)
	}

	var resp struct {
		Blacklist []string `json:"blacklist"`
	}
	json.Unmarshal(w2.Body.Bytes(), &resp)
	found := false
	for _, m := range resp.Blacklist {
		if m == "miner-bad" {
			found = true
		}
	}
	if !found {
		t.Errorf("blacklist = %v, expected to contain miner-bad", resp.Blacklist)
	}
}

func TestHandleStatusUpdateMalformedBody(t *testing.T) {
	s, mr, store := setupTestServer(t)
	defer mr.Close()
	seedActiveEpoch(t, store)

	req := signedRequest(t, http.MethodPost, "/assignments/status", []byte("not json"), "miner-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, mr, _ := setupTestServer(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
