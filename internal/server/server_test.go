package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"paysplit/internal/config"
	"paysplit/internal/hmacauth"
	"paysplit/internal/runstore"
	"paysplit/internal/smoke"
	"paysplit/internal/splitter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var (
	testSender = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	testPayees = []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		common.HexToAddress("0x0000000000000000000000000000000000000003"),
		common.HexToAddress("0x0000000000000000000000000000000000000004"),
	}
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func testConfig() *config.AppConfig {
	shares := make([]*big.Int, len(testPayees))
	for i := range shares {
		shares[i] = big.NewInt(1)
	}
	return &config.AppConfig{
		Scenario: smoke.Scenario{
			Payees:        testPayees,
			Shares:        shares,
			FundAmount:    ether(4),
			Confirmations: 1,
		},
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Retry: smoke.RetryPolicy{MaxAttempts: 1},
	}
}

func newTestServer(t *testing.T) (*Server, *splitter.FakeClient, *runstore.MemoryStore) {
	t.Helper()
	client := splitter.NewFakeClient(testSender, map[common.Address]*big.Int{testSender: ether(100)})
	store := runstore.NewMemoryStore()
	return NewServer(testConfig(), client, store, nil), client, store
}

func postRun(t *testing.T, srv *Server, key string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	hmacauth.SignRequest(req, testSecret, body, time.Now())
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) runResponse {
	t.Helper()
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateRunSplitsEqually(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := postRun(t, srv, "key-1", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	resp := decodeRun(t, rec)
	assert.Equal(t, runstore.StatusSucceeded, resp.Status)
	require.NotNil(t, resp.Report)
	require.Len(t, resp.Report.Payees, 4)
	for _, p := range resp.Report.Payees {
		assert.Zero(t, ether(1).Cmp(p.Delta), "payee %s delta %s", p.Address.Hex(), p.Delta)
	}
}

func TestCreateRunIdempotency(t *testing.T) {
	srv, client, store := newTestServer(t)

	first := postRun(t, srv, "key-1", nil)
	require.Equal(t, http.StatusCreated, first.Code)
	block := client.BlockNumber()

	second := postRun(t, srv, "key-1", nil)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, block, client.BlockNumber(), "replay must not send transactions")

	records, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateRunOverrides(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(runRequest{
		Payees:     []string{testPayees[0].Hex(), testPayees[1].Hex()},
		Shares:     []uint64{3, 1},
		FundAmount: "2 ether",
	})
	rec := postRun(t, srv, "key-2", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeRun(t, rec)
	require.Len(t, resp.Report.Payees, 2)
	assert.Zero(t, new(big.Int).Div(ether(3), big.NewInt(2)).Cmp(resp.Report.Payees[0].Delta))
	assert.Zero(t, new(big.Int).Div(ether(1), big.NewInt(2)).Cmp(resp.Report.Payees[1].Delta))
}

func TestCreateRunRejectsBadRequests(t *testing.T) {
	srv, client, _ := newTestServer(t)
	block := client.BlockNumber()

	rec := postRun(t, srv, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, _ := json.Marshal(runRequest{Shares: []uint64{1, 1}})
	rec = postRun(t, srv, "key-3", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid scenario")

	rec = postRun(t, srv, "key-4", []byte(`{"fundAmount":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{}`))
	req.Header.Set(idempotencyHeader, "key-5")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, block, client.BlockNumber())
}

func TestCreateRunChainFailure(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(runRequest{Factory: "0x00000000000000000000000000000000000000fa"})
	rec := postRun(t, srv, "key-6", body)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	resp := decodeRun(t, rec)
	assert.Equal(t, runstore.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, splitter.ErrUnknownContract.Error())

	get := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+resp.RunID, nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, get)
	require.Equal(t, http.StatusOK, getRec.Code)

	var view recordView
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &view))
	assert.Equal(t, runstore.StatusFailed, view.Status)
	assert.Equal(t, http.StatusBadGateway, view.StatusCode)

	// Failed runs do not claim the key.
	retry := postRun(t, srv, "key-6", nil)
	assert.Equal(t, http.StatusCreated, retry.Code)
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.Equal(t, http.StatusCreated, postRun(t, srv, "a", nil).Code)
	require.Equal(t, http.StatusCreated, postRun(t, srv, "b", nil).Code)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []recordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Len(t, views, 1)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.Equal(t, http.StatusCreated, postRun(t, srv, "m", nil).Code)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `paysplit_runs_total{status="succeeded"} 1`)
	assert.Contains(t, out, `paysplit_step_duration_seconds_count{result="ok",step="release_all"} 1`)
	assert.Contains(t, out, "paysplit_released_wei_total 4e+18")
}

type failingStore struct {
	*runstore.MemoryStore
}

func (failingStore) Ping(context.Context) error {
	return errors.New("store offline")
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	client := splitter.NewFakeClient(testSender, nil)
	degraded := NewServer(testConfig(), client, failingStore{runstore.NewMemoryStore()}, nil)
	rec = httptest.NewRecorder()
	degraded.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store offline")
}
