package run

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"keyharvest/domain"
	"keyharvest/funpay"
	"keyharvest/harvest"
	"keyharvest/keyextract"
	"keyharvest/ossstore"
	"keyharvest/redislock"
	"keyharvest/settings"
	"keyharvest/store"
)

// Client is an Account that can also verify its credentials.
type Client interface {
	Account
	Connect(ctx context.Context) (*funpay.Account, error)
}

// Dialer builds a marketplace client from the current settings.
type Dialer func(s settings.Settings) (Client, error)

// FunPayDialer dials the real marketplace at baseURL ("" = production).
func FunPayDialer(baseURL string) Dialer {
	return func(s settings.Settings) (Client, error) {
		c, err := funpay.New(funpay.Config{
			BaseURL:   baseURL,
			GoldenKey: s.GoldenKey,
			UserAgent: s.SanitizedUserAgent(),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Config struct {
	SettingsPath string
	ExportRoot   string
	Dial         Dialer
	Extractor    *keyextract.Extractor

	// Lock is optional; with it one account runs at most once across processes.
	Lock        *redislock.Client
	LockTTL     time.Duration
	LockRefresh time.Duration

	OSS    *ossstore.Store
	Logger *slog.Logger
}

type Service struct {
	store store.RunStore
	cfg   Config
	log   *slog.Logger

	// runs are detached from request contexts; cancel ends them hard on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   string
	controls map[string]*harvest.Control
	account  *funpay.Account
}

func NewService(st store.RunStore, cfg Config) *Service {
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = settings.DefaultFile
	}
	if cfg.ExportRoot == "" {
		cfg.ExportRoot = "./exports"
	}
	if cfg.Dial == nil {
		cfg.Dial = FunPayDialer("")
	}
	if cfg.Extractor == nil {
		cfg.Extractor = keyextract.New(keyextract.Options{})
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    st,
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		controls: make(map[string]*harvest.Control),
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/connection/test", s.handleConnectionTest)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunRoutes)
}

// Shutdown asks every active run to stop and waits for them. When ctx ends
// first the runs are cancelled outright.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, ctl := range s.controls {
		ctl.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		cur, err := settings.Load(s.cfg.SettingsPath)
		if err != nil {
			http.Error(w, "settings unreadable: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, cur.Masked())
	case http.MethodPut:
		cur, err := settings.Load(s.cfg.SettingsPath)
		if err != nil {
			http.Error(w, "settings unreadable: "+err.Error(), http.StatusInternalServerError)
			return
		}
		next := cur
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		// Echoing back the masked key from GET keeps the stored one.
		if next.GoldenKey == settings.MaskKey(cur.GoldenKey) {
			next.GoldenKey = cur.GoldenKey
		}
		next.GoldenKey = strings.TrimSpace(next.GoldenKey)
		if err := next.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := settings.Save(s.cfg.SettingsPath, next); err != nil {
			http.Error(w, "save settings failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.account = nil
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, next.Masked())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur, err := settings.Load(s.cfg.SettingsPath)
	if err != nil {
		http.Error(w, "settings unreadable: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_, acc, status, err := s.connect(r.Context(), cur)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"account":  acc,
		"username": acc.Username,
		"userId":   acc.ID,
	})
}

// connect dials and verifies the credentials, mapping failures to HTTP status codes.
func (s *Service) connect(ctx context.Context, cur settings.Settings) (Client, *funpay.Account, int, error) {
	if err := cur.RequireCredentials(); err != nil {
		return nil, nil, http.StatusBadRequest, err
	}
	client, err := s.cfg.Dial(cur)
	if err != nil {
		if domain.IsValidation(err) {
			return nil, nil, http.StatusBadRequest, err
		}
		return nil, nil, http.StatusInternalServerError, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	acc, err := client.Connect(ctx)
	if err != nil {
		if funpay.IsUnauthorized(err) {
			return nil, nil, http.StatusUnauthorized, errors.New("authorization failed: check the golden key")
		}
		return nil, nil, http.StatusBadGateway, fmt.Errorf("connection failed: %w", err)
	}
	s.mu.Lock()
	s.account = acc
	s.mu.Unlock()
	s.log.Info("connected", "user", acc.Username, "user_id", acc.ID)
	return client, acc, http.StatusOK, nil
}

type createRunRequest struct {
	CategoryID  int    `json:"category_id"`
	ListingName string `json:"listing_name"`

	// Override the settings file when set.
	OrderLimit *int `json:"order_limit,omitempty"`
	PageLimit  *int `json:"page_limit,omitempty"`
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		runs, err := s.store.List()
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		out := make([]runView, 0, len(runs))
		for _, run := range runs {
			out = append(out, viewOf(run))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
	case http.MethodPost:
		s.handleCreateRun(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cur, err := settings.Load(s.cfg.SettingsPath)
	if err != nil {
		http.Error(w, "settings unreadable: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := cur.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := Params{
		CategoryID:     req.CategoryID,
		ListingName:    strings.TrimSpace(req.ListingName),
		OrderLimit:     cur.OrderLimit,
		PageLimit:      cur.PageLimit,
		MinDelay:       cur.MinDelay(),
		MaxDelay:       cur.MaxDelay(),
		MaxPageRetries: cur.MaxPageRetries,
	}
	if req.OrderLimit != nil {
		params.OrderLimit = *req.OrderLimit
	}
	if req.PageLimit != nil {
		params.PageLimit = *req.PageLimit
	}
	if err := params.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := cur.RequireCredentials(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := newRunID()
	if !s.reserve(runID) {
		http.Error(w, "a run is already active", http.StatusConflict)
		return
	}
	started := false
	defer func() {
		if !started {
			s.unreserve(runID)
		}
	}()

	client, acc, status, err := s.connect(r.Context(), cur)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	var release func()
	if s.cfg.Lock != nil {
		key := s.cfg.Lock.Key(strconv.FormatInt(acc.ID, 10))
		rel, ok, err := s.cfg.Lock.Hold(r.Context(), key, s.cfg.LockTTL, s.cfg.LockRefresh)
		if err != nil {
			http.Error(w, "account lock unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.Error(w, "another run is active for this account", http.StatusConflict)
			return
		}
		release = rel
	}

	run := &domain.Run{
		ID:          runID,
		Status:      domain.RunStatusRunning,
		CreatedAt:   time.Now(),
		CategoryID:  params.CategoryID,
		ListingName: params.ListingName,
		AccountID:   acc.ID,
	}
	if err := s.store.Create(run); err != nil {
		if release != nil {
			release()
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	ctl := harvest.NewControl()
	s.mu.Lock()
	s.controls[runID] = ctl
	s.mu.Unlock()

	started = true
	s.wg.Add(1)
	go s.execute(runID, client, ctl, params, release)

	s.log.Info("run started", "run_id", runID, "category_id", params.CategoryID, "listing", params.ListingName, "account_id", acc.ID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"runId":  runID,
		"status": string(run.Status),
	})
}

func (s *Service) reserve(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return false
	}
	s.active = runID
	return true
}

func (s *Service) unreserve(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == runID {
		s.active = ""
	}
	delete(s.controls, runID)
}

func (s *Service) execute(runID string, client Client, ctl *harvest.Control, p Params, release func()) {
	defer s.wg.Done()
	defer s.unreserve(runID)
	if release != nil {
		defer release()
	}

	rec := newStoreRecorder(s.store, runID, s.log)
	sum := NewOrchestrator(client, s.cfg.Extractor, s.log).Execute(s.ctx, ctl, p, rec)

	finished := time.Now()
	_, _, err := s.store.Update(runID, func(r *domain.Run) {
		r.Status = sum.Status
		r.FinishedAt = &finished
		r.Pages = sum.Pages
		r.Harvested = sum.Harvested
		r.Matched = sum.Matched
		r.Processed = sum.Processed
		r.Total = sum.Total
		r.Keys = append([]domain.ExtractedKey(nil), sum.Keys...)
		if sum.Err != nil {
			r.Error = sum.Err.Error()
		}
	})
	if err != nil {
		s.log.Error("persist run result failed", "run_id", runID, "err", err)
	}
}

func (s *Service) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	// /runs/{runId}
	// /runs/{runId}/keys|log|export
	// /runs/{runId}/stop|pause|resume
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/")
	if path == "" {
		http.Error(w, "runId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	runID := parts[0]
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetRun(w, r, runID)
		return
	}
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "keys", "log", "export":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	case "stop", "pause", "resume":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	default:
		http.NotFound(w, r)
		return
	}

	run, ok, err := s.store.Get(runID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "keys":
		s.handleKeys(w, r, run)
	case "log":
		s.handleLog(w, r, run)
	case "export":
		s.handleExport(w, r, run)
	default:
		s.handleControl(w, r, run, parts[1])
	}
}

// runView is the public shape of a run.
type runView struct {
	*domain.Run
	Stats domain.Stats `json:"stats"`
}

func viewOf(run *domain.Run) runView {
	return runView{Run: run, Stats: run.Stats()}
}

func (s *Service) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, ok, err := s.store.Get(runID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(run))
}

type keyRow struct {
	N        int    `json:"n"`
	Key      string `json:"key"`
	OrderID  string `json:"orderId"`
	Date     string `json:"date"`
	Repeated bool   `json:"repeated,omitempty"`
}

func (s *Service) handleKeys(w http.ResponseWriter, r *http.Request, run *domain.Run) {
	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind")))
	switch kind {
	case "", "all":
		counts := make(map[string]int, len(run.Keys))
		for _, k := range run.Keys {
			counts[k.Key]++
		}
		rows := make([]keyRow, 0, len(run.Keys))
		for i, k := range run.Keys {
			rows = append(rows, keyRow{N: i + 1, Key: k.Key, OrderID: k.OrderID, Date: k.Date, Repeated: counts[k.Key] > 1})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"runId": run.ID,
			"rows":  rows,
			"stats": run.Stats(),
		})
	case "unique":
		writeJSON(w, http.StatusOK, map[string]interface{}{"runId": run.ID, "keys": nonNil(domain.UniqueKeys(run.Keys))})
	case "duplicates":
		writeJSON(w, http.StatusOK, map[string]interface{}{"runId": run.ID, "keys": nonNil(domain.DuplicateKeys(run.Keys))})
	default:
		http.Error(w, "kind must be one of all, unique, duplicates", http.StatusBadRequest)
	}
}

func (s *Service) handleLog(w http.ResponseWriter, r *http.Request, run *domain.Run) {
	since := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	if since > len(run.Log) {
		since = len(run.Log)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId": run.ID,
		"lines": nonNil(run.Log[since:]),
		"next":  len(run.Log),
	})
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request, run *domain.Run, action string) {
	s.mu.Lock()
	ctl := s.controls[run.ID]
	s.mu.Unlock()
	if ctl == nil || run.Status.Terminal() {
		http.Error(w, "run is not active", http.StatusConflict)
		return
	}

	var status domain.RunStatus
	switch action {
	case "stop":
		ctl.Cancel()
		status = run.Status
	case "pause":
		// pause toggles, like the single pause button of the desktop tool
		if ctl.TogglePause() {
			status = domain.RunStatusPaused
		} else {
			status = domain.RunStatusRunning
		}
	case "resume":
		ctl.Resume()
		status = domain.RunStatusRunning
	}
	updated, _, err := s.store.Update(run.ID, func(cur *domain.Run) {
		if !cur.Status.Terminal() {
			cur.Status = status
		}
	})
	if err != nil || updated == nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	rec := newStoreRecorder(s.store, run.ID, s.log)
	switch action {
	case "stop":
		rec.Logf("Stop requested")
	case "pause":
		if status == domain.RunStatusPaused {
			rec.Logf("Paused")
		} else {
			rec.Logf("Resumed")
		}
	case "resume":
		rec.Logf("Resumed")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":     run.ID,
		"status":    string(updated.Status),
		"paused":    ctl.Paused(),
		"cancelled": ctl.Cancelled(),
	})
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func newRunID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "run_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("run_%d", time.Now().UnixNano())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	q := r.URL.Query()
	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "json") || strings.EqualFold(strings.TrimSpace(q.Get("as")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}
