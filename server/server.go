// Package server exposes the facilitator over HTTP with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vitwit/x402-facilitator/bridge"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

// Service is the part of *facilitator.Facilitator the HTTP surface needs.
type Service interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.SettleResponse, error)
	Supported() *types.SupportedResponse
}

// JobGetter looks up bridge jobs. *bridge.Queue implements it.
type JobGetter interface {
	Get(ctx context.Context, id string) (bridge.Job, error)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string          `json:"error"`
	Code  string          `json:"code,omitempty"`
	Kind  types.ErrorKind `json:"kind,omitempty"`
}

type Server struct {
	engine  *gin.Engine
	svc     Service
	jobs    JobGetter
	metrics http.Handler
	log     logger.Logger
	now     func() time.Time
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithJobs enables GET /bridges/:id.
func WithJobs(j JobGetter) Option {
	return func(s *Server) {
		s.jobs = j
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New builds the router. gin's mode is left to the caller.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc: svc,
		log: logger.NoopLogger{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.POST("/verify", s.verify)
	r.POST("/settle", s.settle)
	r.GET("/supported", s.supported)
	r.GET("/health", s.health)
	if s.jobs != nil {
		r.GET("/bridges/:id", s.bridgeJob)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then drains in-flight requests for
// up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", map[string]any{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// readRequest decodes the shared /verify and /settle body. Field validation
// belongs to the facilitator so that bad requirements come back as an invalid
// verdict.
func readRequest(c *gin.Context) (*types.VerifyRequest, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body", Code: types.ReasonInvalidPayload, Kind: types.KindValidation})
		return nil, false
	}
	req, err := utils.DecodeVerifyRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: types.ReasonInvalidPayload, Kind: types.KindValidation})
		return nil, false
	}
	return req, true
}

func (s *Server) verify(c *gin.Context) {
	req, ok := readRequest(c)
	if !ok {
		return
	}
	resp, err := s.svc.Verify(c.Request.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if err != nil {
		s.fail(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) settle(c *gin.Context) {
	req, ok := readRequest(c)
	if !ok {
		return
	}
	resp, err := s.svc.Settle(c.Request.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if err != nil {
		s.fail(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) supported(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Supported())
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) bridgeJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, bridge.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "bridge job not found"})
		return
	}
	if err != nil {
		s.log.Error("bridge job lookup failed", map[string]any{"job_id": c.Param("id"), "error": err})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "bridge job lookup failed"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	body := ErrorResponse{Error: err.Error()}

	var xe *types.X402Error
	if errors.As(err, &xe) {
		body.Code = xe.Code
		body.Kind = xe.Kind
		body.Error = xe.Message
		switch xe.Kind {
		case types.KindValidation:
			status = http.StatusBadRequest
		case types.KindLiquidity:
			status = http.StatusServiceUnavailable
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	s.log.Error(op+" request failed", map[string]any{"status": status, "error": err})
	c.JSON(status, body)
}
