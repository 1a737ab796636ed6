// Package apiserver serves the indexed SolaYield state over HTTP JSON and a
// websocket push feed.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/coldbell/solayield/backend/internal/config"
	"github.com/coldbell/solayield/backend/internal/indexer"
)

// Store is the read side of the indexer database.
type Store interface {
	Ping(ctx context.Context) error
	GetSyncState(ctx context.Context) (*indexer.SyncState, error)
	ListStrategies(ctx context.Context, filter indexer.StrategyFilter) ([]indexer.StrategyRecord, int, int, error)
	GetStrategy(ctx context.Context, strategyID uint64) (*indexer.StrategyRecord, error)
	ListPositions(ctx context.Context, filter indexer.PositionFilter) ([]indexer.PositionRecord, int, int, error)
	ListMarketplaces(ctx context.Context, filter indexer.MarketplaceFilter) ([]indexer.MarketplaceRecord, int, int, error)
	ListOrders(ctx context.Context, filter indexer.OrderFilter) ([]indexer.OrderRecord, int, int, error)
	ListFills(ctx context.Context, filter indexer.FillFilter) ([]indexer.FillRecord, int, int, error)
	ListCounters(ctx context.Context) ([]indexer.CounterRecord, error)
	ConservationReport(ctx context.Context) ([]indexer.ConservationRecord, error)
	Close() error
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            Store
	cache            *ristretto.Cache
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	svc, err := newService(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func newService(cfg config.APIServerConfig, store Store, logger *slog.Logger) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init channel cache: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		cache:            cache,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

// Handler returns the full route table wrapped in the request-id and CORS
// middleware.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/strategies", s.handleStrategies)
	mux.HandleFunc("/api/v1/strategies/", s.handleStrategyByID)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/marketplaces", s.handleMarketplaces)
	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/fills", s.handleFills)
	mux.HandleFunc("/api/v1/counters", s.handleCounters)
	mux.HandleFunc("/api/v1/invariants", s.handleInvariants)
	mux.HandleFunc("/ws", s.handleWebsocket)

	return s.withRequestID(s.withCORS(mux))
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		s.cache.Close()
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"push_interval", s.cfg.PushInterval.String(),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

type healthResponse struct {
	OK       bool   `json:"ok"`
	LastSlot uint64 `json:"last_slot,omitempty"`
	SyncedAt int64  `json:"synced_at,omitempty"`
	Error    string `json:"error,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) requestLogger(r *http.Request) *slog.Logger {
	if requestID, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return s.logger.With("request_id", requestID)
	}
	return s.logger
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parsePagination(r *http.Request) (int, int, error) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// parseOptionalPubkey returns the canonical base58 form so filters match the
// indexed text exactly.
func parseOptionalPubkey(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return "", nil
	}
	pubkey, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return pubkey.String(), nil
}

func parseOptionalEnum(r *http.Request, key string, allowed ...string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key)))
	if raw == "" {
		return "", nil
	}
	for _, candidate := range allowed {
		if raw == candidate {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, ", "))
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, r *http.Request, code int, message string) {
	requestID, _ := r.Context().Value(requestIDKey{}).(string)
	s.respondJSON(w, code, errorResponse{Error: message, RequestID: requestID})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
