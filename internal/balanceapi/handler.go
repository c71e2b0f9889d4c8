package balanceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/compactlabs/compact-indexer/internal/archive"
	"github.com/compactlabs/compact-indexer/internal/chainevent"
	"github.com/compactlabs/compact-indexer/internal/chains"
	"github.com/compactlabs/compact-indexer/internal/leases"
	"github.com/compactlabs/compact-indexer/internal/ledger"
	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/compactlabs/compact-indexer/internal/reducer"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidConfig = errors.New("balanceapi: invalid config")

const maxBodyBytes = 1 << 20

type Config struct {
	// Chains lists the chains reported by /v1/chains. Empty means every known deployment.
	Chains chains.Set

	// Leases, when set, lets /v1/chains report which process holds each
	// chain's writer lease.
	Leases leases.Store

	// MaxQueryLocks bounds the resource locks one lock-balances request may name.
	MaxQueryLocks int

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

// ChainStatus reports chains the indexer stopped on a fault.
type ChainStatus interface {
	Fault(chainID uint64) (*reducer.FaultError, bool)
}

// NewHandler serves the read endpoints over reader. status and faults are
// optional; without them /v1/chains reports no halts and /v1/faults is unavailable.
func NewHandler(cfg Config, reader ledger.Reader, status ChainStatus, faults archive.Store, log *slog.Logger) (http.Handler, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: nil ledger reader", ErrInvalidConfig)
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = chains.NewSet(chains.All())
	}
	if cfg.MaxQueryLocks <= 0 {
		cfg.MaxQueryLocks = 1000
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:    cfg,
		reader: reader,
		status: status,
		faults: faults,
		log:    log,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/chains", h.handleChains)
	mux.HandleFunc("POST /v1/lock-balances/{address}", h.handleLockBalances)
	mux.HandleFunc("GET /v1/resource-locks/{chainId}/{lockId}", h.handleResourceLock)
	mux.HandleFunc("GET /v1/faults/{chainId}", h.handleFaults)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	reader  ledger.Reader
	status  ChainStatus
	faults  archive.Store
	log     *slog.Logger
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type chainResponse struct {
	ChainID    string          `json:"chainId"`
	Name       string          `json:"name"`
	Cursor     *cursorResponse `json:"cursor,omitempty"`
	Halted     bool            `json:"halted"`
	FaultClass string          `json:"faultClass,omitempty"`
	FaultError string          `json:"faultError,omitempty"`
	Writer     *writerResponse `json:"writer,omitempty"`
}

type writerResponse struct {
	Owner     string `json:"owner"`
	ExpiresAt string `json:"expiresAt"`
	Active    bool   `json:"active"`
}

type cursorResponse struct {
	BlockNumber string `json:"blockNumber"`
	LogIndex    uint32 `json:"logIndex"`
}

func (h *handler) handleChains(w http.ResponseWriter, r *http.Request) {
	writers, err := h.chainWriters(r.Context())
	if err != nil {
		h.internalError(w, "list chain leases", err)
		return
	}
	now := h.cfg.Now()

	ids := h.cfg.Chains.IDs()
	out := make([]chainResponse, 0, len(ids))
	for _, id := range ids {
		row := chainResponse{
			ChainID: strconv.FormatUint(id, 10),
			Name:    h.cfg.Chains[id].Name,
		}
		if l, ok := writers[id]; ok {
			row.Writer = &writerResponse{
				Owner:     l.Owner,
				ExpiresAt: l.ExpiresAt.UTC().Format(time.RFC3339),
				Active:    !l.Expired(now),
			}
		}
		pos, ok, err := h.reader.Cursor(r.Context(), id)
		if err != nil {
			h.internalError(w, "read cursor", err)
			return
		}
		if ok {
			row.Cursor = &cursorResponse{
				BlockNumber: strconv.FormatUint(pos.BlockNumber, 10),
				LogIndex:    pos.LogIndex,
			}
		}
		if h.status != nil {
			if fe, halted := h.status.Fault(id); halted {
				row.Halted = true
				row.FaultClass = reducer.FaultClass(fe)
				row.FaultError = fe.Error()
			}
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"chains":  out,
	})
}

// chainWriters maps chain ids to their writer leases. Lease names that are not
// chain leases are ignored.
func (h *handler) chainWriters(ctx context.Context) (map[uint64]leases.Lease, error) {
	if h.cfg.Leases == nil {
		return nil, nil
	}
	ls, err := h.cfg.Leases.List(ctx, leases.ChainLeasePrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]leases.Lease, len(ls))
	for _, l := range ls {
		id, err := leases.ParseChainLeaseName(l.Name)
		if err != nil {
			continue
		}
		out[id] = l
	}
	return out, nil
}

// lockBalanceQueryBody mirrors one element of the lock-balances request. Numbers
// may be sent as JSON numbers or decimal strings.
type lockBalanceQueryBody struct {
	ChainID                 json.Number  `json:"chainId"`
	ResourceLocks           []string     `json:"resourceLocks"`
	FinalizedBlockNumber    *json.Number `json:"finalizedBlockNumber"`
	FinalizedBlockTimestamp *json.Number `json:"finalizedBlockTimestamp"`
}

type lockBalanceResponse struct {
	LockID           string `json:"lockId"`
	ChainID          string `json:"chainId"`
	Balance          string `json:"balance"`
	WithdrawalStatus string `json:"withdrawalStatus"`
}

func (h *handler) handleLockBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAddress(r.PathValue("address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, ok := decodeJSONBody[[]lockBalanceQueryBody](w, r)
	if !ok {
		return
	}
	queries, code := h.parseQueries(body)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}

	rows, err := h.reader.NetLockBalances(r.Context(), account, queries)
	if err != nil {
		h.internalError(w, "net lock balances", err)
		return
	}
	out := make([]lockBalanceResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, lockBalanceResponse{
			LockID:           row.ID.String(),
			ChainID:          strconv.FormatUint(row.ChainID, 10),
			Balance:          chainevent.FormatAmount(row.Balance),
			WithdrawalStatus: row.WithdrawalStatus.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) parseQueries(body []lockBalanceQueryBody) ([]ledger.LockBalanceQuery, string) {
	total := 0
	out := make([]ledger.LockBalanceQuery, 0, len(body))
	for _, b := range body {
		chainID, err := parseUint64Number(b.ChainID)
		if err != nil || chainID == 0 {
			return nil, "invalid_chain_id"
		}
		q := ledger.LockBalanceQuery{ChainID: chainID}
		for _, raw := range b.ResourceLocks {
			id, err := lockid.Parse(raw)
			if err != nil {
				return nil, "invalid_resource_lock"
			}
			q.IDs = append(q.IDs, id)
		}
		total += len(q.IDs)
		if total > h.cfg.MaxQueryLocks {
			return nil, "too_many_resource_locks"
		}
		if b.FinalizedBlockNumber != nil {
			v, err := parseUint64Number(*b.FinalizedBlockNumber)
			if err != nil {
				return nil, "invalid_finalized_block_number"
			}
			q.FinalizedBlockNumber = &v
		}
		if b.FinalizedBlockTimestamp != nil {
			v, err := parseUint64Number(*b.FinalizedBlockTimestamp)
			if err != nil {
				return nil, "invalid_finalized_block_timestamp"
			}
			q.FinalizedBlockTimestamp = &v
		}
		out = append(out, q)
	}
	return out, ""
}

type resourceLockResponse struct {
	LockID       string `json:"lockId"`
	ChainID      string `json:"chainId"`
	Token        string `json:"token"`
	Allocator    string `json:"allocator"`
	AllocatorID  string `json:"allocatorId"`
	ResetPeriod  string `json:"resetPeriod"`
	IsMultichain bool   `json:"isMultichain"`
	MintedAt     string `json:"mintedAt"`
	TotalSupply  string `json:"totalSupply"`
}

type accountBalanceResponse struct {
	Account          string `json:"account"`
	Balance          string `json:"balance"`
	WithdrawalStatus string `json:"withdrawalStatus"`
	WithdrawableAt   string `json:"withdrawableAt,omitempty"`
	LastUpdatedAt    string `json:"lastUpdatedAt"`
}

func (h *handler) handleResourceLock(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("chainId")), 10, 64)
	if err != nil || chainID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	id, err := lockid.Parse(r.PathValue("lockId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resource_lock")
		return
	}
	key := lockid.KeyOf(chainID, id)

	lock, err := h.reader.ResourceLock(r.Context(), key)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		h.internalError(w, "resource lock", err)
		return
	}
	bals, err := h.reader.LockBalances(r.Context(), key)
	if err != nil {
		h.internalError(w, "lock balances", err)
		return
	}

	balances := make([]accountBalanceResponse, 0, len(bals))
	for _, b := range bals {
		row := accountBalanceResponse{
			Account:          b.Account.Hex(),
			Balance:          chainevent.FormatAmount(b.Balance),
			WithdrawalStatus: b.WithdrawalStatus.String(),
			LastUpdatedAt:    strconv.FormatUint(b.LastUpdatedAt, 10),
		}
		if b.WithdrawalStatus == ledger.WithdrawalPending && b.WithdrawableAt != 0 {
			row.WithdrawableAt = strconv.FormatUint(b.WithdrawableAt, 10)
		}
		balances = append(balances, row)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"lock": resourceLockResponse{
			LockID:       lock.ID.String(),
			ChainID:      strconv.FormatUint(lock.ChainID, 10),
			Token:        lock.Token.Hex(),
			Allocator:    lock.Allocator.Hex(),
			AllocatorID:  lock.AllocatorID.String(),
			ResetPeriod:  lock.ResetPeriod.String(),
			IsMultichain: lock.IsMultichain,
			MintedAt:     strconv.FormatUint(lock.MintedAt, 10),
			TotalSupply:  chainevent.FormatAmount(lock.TotalSupply),
		},
		"balances": balances,
	})
}

func (h *handler) handleFaults(w http.ResponseWriter, r *http.Request) {
	if h.faults == nil {
		writeError(w, http.StatusServiceUnavailable, "fault_archive_unavailable")
		return
	}
	chainID, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("chainId")), 10, 64)
	if err != nil || chainID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	reports, err := archive.Faults(r.Context(), h.faults, chainID)
	if err != nil {
		h.internalError(w, "list faults", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"faults":  reports,
	})
}

func (h *handler) internalError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.log.Error("balanceapi", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal")
}

func parseAddress(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseUint64Number(n json.Number) (uint64, error) {
	raw := strings.TrimSpace(n.String())
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeError(w http.ResponseWriter, code int, name string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   name,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type bucket struct {
	tokens float64
	lastAt time.Time
}

// ipRateLimiter is a token bucket per client IP. When full, the least recently
// seen IP is forgotten.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	buckets         map[string]bucket
}

func newIPRateLimiter(refillPerSecond, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		buckets:         make(map[string]bucket),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.maxTrackedIPs {
			l.evictOldest()
		}
		l.buckets[ip] = bucket{tokens: l.burst - 1, lastAt: now}
		return true
	}

	if elapsed := now.Sub(b.lastAt).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.refillPerSecond)
	}
	b.lastAt = now
	if b.tokens < 1 {
		l.buckets[ip] = b
		return false
	}
	b.tokens--
	l.buckets[ip] = b
	return true
}

func (l *ipRateLimiter) evictOldest() {
	var oldest string
	var oldestAt time.Time
	for ip, b := range l.buckets {
		if oldest == "" || b.lastAt.Before(oldestAt) {
			oldest, oldestAt = ip, b.lastAt
		}
	}
	delete(l.buckets, oldest)
}
