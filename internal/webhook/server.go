// Package webhook receives GitHub webhook deliveries over HTTP and hands
// them to a trigger dispatcher.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sdlcflow/internal/logging"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/trigger"
)

// maxPayload bounds a delivery body. GitHub caps payloads at 25 MB; the
// events routed here are far smaller.
const maxPayload = 5 << 20

// Dispatcher routes a parsed event. *trigger.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *trigger.Event) ([]trigger.Outcome, error)
}

// Server is the webhook HTTP endpoint.
type Server struct {
	secret []byte
	d      Dispatcher
	log    *logging.Logger
	async  bool
	now    func() time.Time

	engine *gin.Engine
	wg     sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithAsync acknowledges deliveries before their stages run.
func WithAsync(async bool) Option {
	return func(s *Server) { s.async = async }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server. An empty secret disables signature checks.
func New(secret string, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		secret: []byte(secret),
		d:      d,
		log:    logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/webhook", s.handleDelivery)
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests and asynchronous dispatches.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("webhook server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	s.log.Info("webhook server stopped")
	return err
}

// Wait blocks until asynchronous dispatches finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", s.now().Sub(start).Milliseconds(),
		)
	}
}

type runJSON struct {
	FeatureID string `json:"feature_id"`
	Stage     string `json:"stage"`
	Subject   string `json:"subject,omitempty"`
	State     string `json:"state,omitempty"`
	Version   int    `json:"version,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleDelivery(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayload))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}
	if !s.verify(c.GetHeader("X-Hub-Signature-256"), body) {
		s.log.Warn("rejected delivery with invalid signature", "delivery", c.GetHeader("X-GitHub-Delivery"))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	name := c.GetHeader("X-GitHub-Event")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-GitHub-Event header"})
		return
	}

	ev, err := trigger.Parse(name, body)
	switch {
	case errors.Is(err, trigger.ErrIgnored):
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev.Delivery = c.GetHeader("X-GitHub-Delivery")
	ev.Received = s.now()

	if s.async {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx := context.WithoutCancel(c.Request.Context())
			if _, err := s.d.Dispatch(ctx, ev); err != nil && !errors.Is(err, trigger.ErrIgnored) {
				s.log.Error("dispatch failed", "event", ev.String(), "error", err.Error())
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event": ev.String()})
		return
	}

	outcomes, err := s.d.Dispatch(c.Request.Context(), ev)
	switch {
	case errors.Is(err, trigger.ErrIgnored):
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": err.Error()})
		return
	case errors.Is(err, stage.ErrInvalidRequest):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.Error("dispatch failed", "event", ev.String(), "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	runs := make([]runJSON, 0, len(outcomes))
	for _, o := range outcomes {
		r := runJSON{FeatureID: o.Request.FeatureID, Stage: string(o.Request.Stage), Subject: o.Request.Subject}
		if o.Result != nil {
			r.State = string(o.Result.State)
			r.Replayed = o.Result.Replayed
			if o.Result.Artifact != nil {
				r.Version = o.Result.Artifact.Version
			}
		}
		if o.Err != nil {
			r.Kind = string(stage.KindOf(o.Err))
			r.Error = o.Err.Error()
		}
		runs = append(runs, r)
	}
	status, code := "ok", http.StatusOK
	if trigger.FirstFailure(outcomes) != nil {
		// A failed delivery can be redelivered from the GitHub UI.
		status, code = "failed", http.StatusInternalServerError
	}
	c.JSON(code, gin.H{"status": status, "event": ev.String(), "runs": runs})
}

// verify checks a "sha256=<hex>" HMAC signature of body.
func (s *Server) verify(header string, body []byte) bool {
	if len(s.secret) == 0 {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
