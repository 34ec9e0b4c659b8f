package grantd

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/grantd/grantd/clients"
	"github.com/grantd/grantd/instrumentation"
	"github.com/grantd/grantd/security"
	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/token"
	"github.com/grantd/grantd/users"
)

// Server implements the authorization code grant with refresh-token
// rotation. It is stateless per request; all cross-request coordination
// happens through the ephemeral record store, so multiple Server instances
// can share one backing store.
type Server struct {
	store   storage.Store
	clients clients.Registry
	users   users.Store
	issuer  *token.Issuer
	limiter *security.RateLimiter
	config  *Config
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewServer creates a new authorization server.
func NewServer(
	store storage.Store,
	clientRegistry clients.Registry,
	userStore users.Store,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clientRegistry == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}

	issuer, err := token.NewIssuer(token.Config{
		AccessTokenTTL:    config.AccessTokenTTL,
		RefreshTokenTTL:   config.RefreshTokenTTL,
		AccessSigningKey:  config.AccessTokenKey,
		RefreshSigningKey: config.RefreshTokenKey,
	}, store, logger)
	if err != nil {
		return nil, err
	}

	// Disabled instrumentation is no-op providers, so flow code records
	// metrics unconditionally.
	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:   store,
		clients: clientRegistry,
		users:   userStore,
		issuer:  issuer,
		limiter: security.NewRateLimiter(config.LoginRatePerSecond, config.LoginBurst, logger),
		config:  config,
		logger:  logger,
	}
	s.setInstrumentation(inst)

	return s, nil
}

// SetInstrumentation enables OpenTelemetry metrics and tracing for the
// server. Call before serving requests.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.setInstrumentation(inst)
	}
}

func (s *Server) setInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// Issuer exposes the token issuer, mainly for tests and for boundary code
// that needs to verify claims.
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// Stop releases background resources (the rate limiter's cleanup goroutine).
func (s *Server) Stop() {
	s.limiter.Stop()
}
