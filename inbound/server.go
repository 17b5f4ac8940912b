package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-billing-events/core"
)

const (
	DefaultMaxBodyBytes  int64 = 1 << 20
	DefaultLedgerLimit         = 50
	MaxLedgerLimit             = 500
	defaultReadTimeout         = 10 * time.Second
	defaultShutdownGrace       = 10 * time.Second
)

// Health is the /healthz body.
type Health struct {
	Status     string `json:"status"`
	QueueDepth int64  `json:"queue_depth"`
	PoolSize   int    `json:"pool_size"`
	MinWorkers int    `json:"min_workers"`
	MaxWorkers int    `json:"max_workers"`

	CancellationPending int64 `json:"cancellation_pending"`
	CancellationDead    int64 `json:"cancellation_dead"`
}

type HealthFunc func(ctx context.Context) (Health, error)

type ServerConfig struct {
	Addr         string
	MaxBodyBytes int64
}

// Server is the gin HTTP surface: webhook endpoints plus the read-only
// ledger API.
type Server struct {
	cfg      ServerConfig
	receiver *Receiver
	ledger   core.LedgerStore
	health   HealthFunc
	logger   core.Logger
	engine   *gin.Engine
	http     *http.Server
}

type ServerOption func(*Server)

func WithLedger(ledger core.LedgerStore) ServerOption {
	return func(s *Server) { s.ledger = ledger }
}

func WithHealth(health HealthFunc) ServerOption {
	return func(s *Server) { s.health = health }
}

func WithLogger(logger core.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func NewServer(cfg ServerConfig, receiver *Receiver, opts ...ServerOption) (*Server, error) {
	if receiver == nil {
		return nil, fmt.Errorf("inbound: receiver is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{cfg: cfg, receiver: receiver}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: defaultReadTimeout,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())

	webhooks := engine.Group("/webhooks")
	webhooks.POST("/stripe", s.receive(core.ProviderStripe))
	webhooks.POST("/paypal", s.receive(core.ProviderPayPal))

	engine.GET("/ledger", s.listLedger)
	engine.GET("/ledger/:event_id", s.getLedger)
	engine.GET("/healthz", s.healthz)
	return engine
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	err := s.http.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownGrace)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) receive(provider core.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(c, errBodyTooLarge(tooLarge.Limit))
				return
			}
			writeError(c, badInput("inbound: unreadable webhook body", nil))
			return
		}

		receipt, err := s.receiver.Receive(c.Request.Context(), Request{
			Provider: provider,
			Headers:  c.Request.Header.Clone(),
			Body:     body,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"received":   true,
			"event_id":   receipt.EventID,
			"event_type": receipt.EventType,
			"duplicate":  receipt.Duplicate,
		})
	}
}

type ledgerResponse struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Provider  string    `json:"provider"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toLedgerResponse(record core.LedgerRecord) ledgerResponse {
	return ledgerResponse{
		ID:        record.ID,
		EventID:   record.EventID,
		Provider:  string(record.Provider),
		EventType: record.EventType,
		Status:    string(record.Status),
		Attempts:  record.Attempts,
		LastError: record.LastError,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

func (s *Server) getLedger(c *gin.Context) {
	if s.ledger == nil {
		writeError(c, notConfigured("ledger"))
		return
	}
	record, err := s.ledger.Get(c.Request.Context(), strings.TrimSpace(c.Param("event_id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toLedgerResponse(record))
}

func (s *Server) listLedger(c *gin.Context) {
	if s.ledger == nil {
		writeError(c, notConfigured("ledger"))
		return
	}
	filter, err := parseLedgerFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	records, err := s.ledger.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]ledgerResponse, 0, len(records))
	for _, record := range records {
		out = append(out, toLedgerResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": out, "count": len(out)})
}

func parseLedgerFilter(c *gin.Context) (core.LedgerFilter, error) {
	filter := core.LedgerFilter{Limit: DefaultLedgerLimit}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := core.LedgerStatus(strings.ToLower(raw))
		if !status.Recorded() {
			return filter, badInput("inbound: status must be processed or failed", map[string]any{"status": raw})
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(c.Query("provider")); raw != "" {
		provider, err := core.ParseProvider(raw)
		if err != nil {
			return filter, err
		}
		filter.Provider = provider
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > MaxLedgerLimit {
			return filter, badInput(
				fmt.Sprintf("inbound: limit must be between 1 and %d", MaxLedgerLimit),
				map[string]any{"limit": raw},
			)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) healthz(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, Health{Status: "ok"})
		return
	}
	health, err := s.health(c.Request.Context())
	if err != nil {
		health.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, gin.H{"health": health, "error": err.Error()})
		return
	}
	if health.Status == "" {
		health.Status = "ok"
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		level := core.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = core.LevelWarn
		}
		core.Log(c.Request.Context(), s.logger, level, "http request", map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
		})
	}
}

type errorBody struct {
	Category string         `json:"category"`
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeError(c *gin.Context, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.MapError(fmt.Errorf("inbound: unknown error"))
	}
	status := mapped.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Category: string(mapped.Category),
		Code:     status,
		TextCode: mapped.TextCode,
		Message:  mapped.Message,
		Metadata: mapped.Metadata,
	}})
}
