package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"paysplit/internal/config"
	"paysplit/internal/hmacauth"
	"paysplit/internal/runstore"
	"paysplit/internal/smoke"
	"paysplit/internal/splitter"
	"paysplit/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
	maxBodyBytes      = 64 << 10
	defaultListLimit  = 20
)

type Server struct {
	cfg         *config.AppConfig
	client      splitter.Client
	store       runstore.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error

	// runMu keeps one nonce stream per sender.
	runMu sync.Mutex
}

func NewServer(cfg *config.AppConfig, client splitter.Client, store runstore.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		client: client,
		store:  store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		log:     log,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := client.(splitter.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/runs", s.runsHandler())
	mux.HandleFunc("/api/v1/runs/", s.handleGetRun)
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// runRequest overrides parts of the configured scenario. Every field is
// optional; an empty body runs the configured scenario as is.
type runRequest struct {
	Payees        []string `json:"payees"`
	Shares        []uint64 `json:"shares"`
	FundAmount    string   `json:"fundAmount"`
	CreationValue string   `json:"creationValue"`
	Confirmations uint64   `json:"confirmations"`
	Factory       string   `json:"factory"`
}

type runResponse struct {
	RunID  string        `json:"runId"`
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Report *smoke.Report `json:"report,omitempty"`
}

func (s *Server) runsHandler() http.Handler {
	create := s.hmac.Middleware(http.HandlerFunc(s.handleCreateRun))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			create.ServeHTTP(w, r)
		case http.MethodGet:
			s.handleListRuns(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.replay(ctx, w, key) {
		return
	}

	var payload runRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	sc, err := s.scenarioFor(payload)
	if err != nil {
		s.metrics.incRun("rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	// A concurrent request with the same key may have finished while this
	// one was waiting for the lock.
	if s.replay(ctx, w, key) {
		return
	}

	runner := smoke.NewRunner(s.client,
		smoke.WithLogger(s.log.With(zap.String("request", r.Header.Get(requestIDHeader)))),
		smoke.WithRetry(s.cfg.Retry),
		smoke.WithObserver(s.metrics),
	)
	report, runErr := runner.Run(ctx, sc)

	resp := runResponse{Report: report, Status: runstore.StatusSucceeded}
	if report != nil {
		resp.RunID = report.RunID
	}
	if resp.RunID == "" {
		resp.RunID = uuid.NewString()
	}

	status := http.StatusCreated
	if runErr != nil {
		resp.Status = runstore.StatusFailed
		resp.Error = runErr.Error()
		status = http.StatusBadGateway
		if errors.Is(runErr, smoke.ErrInvalidScenario) {
			status = http.StatusBadRequest
		}
	}
	body, _ := json.Marshal(resp)

	now := time.Now().UTC()
	record := runstore.Record{
		ID:         resp.RunID,
		Status:     resp.Status,
		StatusCode: status,
		Response:   body,
		Error:      resp.Error,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	// Failed runs are kept for inspection but not bound to the key, so the
	// caller can retry with it.
	if runErr == nil {
		record.IdempotencyKey = key
	}
	if err := s.store.Save(ctx, record); err != nil {
		s.log.Error("save run record", zap.String("run", record.ID), zap.Error(err))
	}

	s.metrics.incRun(resp.Status)
	writeJSONBody(w, status, body)
}

func (s *Server) replay(ctx context.Context, w http.ResponseWriter, key string) bool {
	existing, err := s.store.FindByKey(ctx, key)
	if err != nil {
		s.log.Warn("idempotency lookup", zap.String("key", key), zap.Error(err))
		return false
	}
	if existing == nil {
		return false
	}
	s.metrics.incRun("replayed")
	writeJSONBody(w, existing.StatusCode, existing.Response)
	return true
}

func (s *Server) scenarioFor(req runRequest) (smoke.Scenario, error) {
	sc := s.cfg.Scenario

	if len(req.Payees) > 0 {
		payees, err := config.ParseAddresses(req.Payees)
		if err != nil {
			return sc, err
		}
		sc.Payees = payees
		if len(req.Shares) == 0 {
			sc.Shares = make([]*big.Int, len(payees))
			for i := range sc.Shares {
				sc.Shares[i] = big.NewInt(1)
			}
		}
	}
	if len(req.Shares) > 0 {
		sc.Shares = make([]*big.Int, len(req.Shares))
		for i, v := range req.Shares {
			sc.Shares[i] = new(big.Int).SetUint64(v)
		}
	}

	var err error
	if req.FundAmount != "" {
		if sc.FundAmount, err = units.ParseAmount(req.FundAmount); err != nil {
			return sc, fmt.Errorf("fundAmount: %w", err)
		}
	}
	if req.CreationValue != "" {
		if sc.CreationValue, err = units.ParseAmount(req.CreationValue); err != nil {
			return sc, fmt.Errorf("creationValue: %w", err)
		}
	}
	if req.Confirmations > 0 {
		sc.Confirmations = req.Confirmations
	}
	if req.Factory != "" {
		if !common.IsHexAddress(req.Factory) {
			return sc, fmt.Errorf("invalid factory address %q", req.Factory)
		}
		sc.Factory = common.HexToAddress(req.Factory)
	}
	return sc, sc.Validate()
}

type recordView struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	StatusCode int             `json:"statusCode"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Response   json.RawMessage `json:"response,omitempty"`
}

func viewOf(rec runstore.Record) recordView {
	return recordView{
		ID:         rec.ID,
		Status:     rec.Status,
		StatusCode: rec.StatusCode,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		Response:   json.RawMessage(rec.Response),
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*rec))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.store.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Sender    string  `json:"sender"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true, Sender: s.client.Sender().Hex()}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	storeInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			storeInfo.Connected = false
			storeInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status string      `json:"status"`
		RPC    interface{} `json:"rpc"`
		Store  interface{} `json:"store"`
	}{status, rpcInfo, storeInfo})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONBody(w, status, body)
}

func writeJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
