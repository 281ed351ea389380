package health

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/dca-watcher/pkg/chainclient"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/executor"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"github.com/speedrun-hq/dca-watcher/pkg/scheduler"
	"github.com/speedrun-hq/dca-watcher/pkg/storage"
)

const requestIDHeader = "X-Request-ID"

// Monitor reports the state of the mined transaction feed
type Monitor interface {
	IsRunning() bool
}

// Executor reports the state of the deposit executor
type Executor interface {
	IsHealthy(ctx context.Context) bool
	WalletInfo(ctx context.Context) (executor.WalletInfo, error)
	Stats() executor.Stats
}

// Scheduler reports and drives the plan scheduler
type Scheduler interface {
	IsActive() bool
	ActivePlansCount() int
	ActivePlans() []models.ActivePlan
	TriggerSweep(ctx context.Context) scheduler.SweepResult
}

// Ledger reports the failed deposit ledger
type Ledger interface {
	GetFailedDepositsStats() (storage.Stats, error)
}

// GasReporter exposes the latest gas sample
type GasReporter interface {
	Snapshot() chainclient.GasSnapshot
}

// Deps are the components observed by the server. Monitor and Gas may be nil.
type Deps struct {
	Network   config.Network
	Monitor   Monitor
	Executor  Executor
	Scheduler Scheduler
	Ledger    Ledger
	Gas       GasReporter
	Breakers  []*circuitbreaker.Breaker
}

// Options configures the HTTP surface
type Options struct {
	Port          string
	MetricsAPIKey string
	WebhookPath   string
	// Webhook is mounted at WebhookPath when set
	Webhook gin.HandlerFunc
	// ReplayDeposits re-ingests the deposits of a block range. It is mounted only with a MetricsAPIKey.
	ReplayDeposits func(ctx context.Context, from, to uint64) (int, error)
}

// Server is the health, status and admin HTTP server
type Server struct {
	deps   Deps
	opts   Options
	engine *gin.Engine
	server *http.Server
	logger logger.Logger
}

// NewServer creates the server and registers its routes
func NewServer(deps Deps, opts Options, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{deps: deps, opts: opts, logger: log}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestID(), s.accessLog())
	s.routes()

	s.server = &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/status", s.status)
	s.engine.GET("/metrics", s.metricsAuth(), gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin", s.metricsAuth())
	admin.POST("/execute-plans", s.executePlans)
	admin.POST("/circuit/reset", s.resetCircuit)
	// replays submit transactions and need the key
	if s.opts.ReplayDeposits != nil && s.opts.MetricsAPIKey != "" {
		admin.POST("/replay-deposits", s.replayDeposits)
	}

	if s.opts.Webhook != nil {
		s.engine.POST(s.opts.WebhookPath, s.opts.Webhook)
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() {
	s.logger.Info("Starting health and metrics server on port %s", s.opts.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Health server error: %v", err)
	}
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s %d %s request_id=%s", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start), c.GetString("request_id"))
	}
}

// metricsAuth requires the bearer key when one is configured
func (s *Server) metricsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.MetricsAPIKey == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.opts.MetricsAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

type componentHealth struct {
	Monitor   bool `json:"monitor"`
	Executor  bool `json:"executor"`
	Scheduler bool `json:"scheduler"`
}

func (h componentHealth) ok() bool {
	return h.Monitor && h.Executor && h.Scheduler
}

func (s *Server) check(ctx context.Context) componentHealth {
	h := componentHealth{Monitor: true}
	if s.deps.Monitor != nil {
		h.Monitor = s.deps.Monitor.IsRunning()
	}
	h.Executor = s.deps.Executor.IsHealthy(ctx)
	h.Scheduler = s.deps.Scheduler.IsActive()
	return h
}

func (s *Server) health(c *gin.Context) {
	h := s.check(c.Request.Context())
	code := http.StatusOK
	state := "healthy"
	if !h.ok() {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(code, gin.H{
		"status":      state,
		"components":  h,
		"activePlans": s.deps.Scheduler.ActivePlansCount(),
		"timestamp":   time.Now().Unix(),
	})
}

func (s *Server) ready(c *gin.Context) {
	if !s.deps.Scheduler.IsActive() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "scheduler not running"})
		return
	}
	if s.deps.Monitor != nil && !s.deps.Monitor.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "event monitor not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	n := s.deps.Network

	tokens := make(map[string]string, len(n.Tokens))
	for sym, t := range n.Tokens {
		tokens[sym] = t.Address.Hex()
	}

	circuits := make(map[string]string, len(s.deps.Breakers))
	for _, b := range s.deps.Breakers {
		circuits[b.Name()] = b.State()
	}

	body := gin.H{
		"network": gin.H{
			"name":    n.Name,
			"chainId": n.ChainID,
		},
		"contracts": gin.H{
			"ethPlanner":   n.Contracts.ETHPlanner.Hex(),
			"erc20Planner": n.Contracts.ERC20Planner.Hex(),
			"swapRouter":   n.Contracts.SwapRouter.Hex(),
			"quoter":       n.Contracts.Quoter.Hex(),
		},
		"tokens":      tokens,
		"components":  s.check(ctx),
		"activePlans": s.deps.Scheduler.ActivePlans(),
		"deposits":    s.deps.Executor.Stats(),
		"circuits":    circuits,
	}

	if wallet, err := s.deps.Executor.WalletInfo(ctx); err == nil {
		body["wallet"] = wallet
	} else {
		body["wallet"] = gin.H{"error": err.Error()}
	}
	if stats, err := s.deps.Ledger.GetFailedDepositsStats(); err == nil {
		body["failedDeposits"] = stats
	} else {
		body["failedDeposits"] = gin.H{"error": err.Error()}
	}
	if s.deps.Gas != nil {
		body["gas"] = s.deps.Gas.Snapshot()
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) executePlans(c *gin.Context) {
	res := s.deps.Scheduler.TriggerSweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func (s *Server) resetCircuit(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing name parameter"})
		return
	}
	for _, b := range s.deps.Breakers {
		if b.Name() == name {
			b.Reset()
			c.JSON(http.StatusOK, gin.H{"success": true, "circuit": name, "state": b.State()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "No circuit breaker named " + name})
}

// replayDeposits takes ?from=<block>&to=<block>; to defaults to the latest block
func (s *Server) replayDeposits(c *gin.Context) {
	from, err := strconv.ParseUint(c.Query("from"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from block"})
		return
	}
	var to uint64
	if raw := c.Query("to"); raw != "" {
		if to, err = strconv.ParseUint(raw, 10, 64); err != nil || to < from {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to block"})
			return
		}
	}

	n, err := s.opts.ReplayDeposits(c.Request.Context(), from, to)
	if err != nil {
		s.logger.Error("Deposit replay %d-%d failed: %v", from, to, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deposits": n})
}
