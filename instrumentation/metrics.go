package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the authorization server.
type Metrics struct {
	// Grant flow
	AuthorizationStarted metric.Int64Counter
	LoginSucceeded       metric.Int64Counter
	LoginFailed          metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Failures
	GrantFailed       metric.Int64Counter
	RateLimitExceeded metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	meter := inst.Meter("server")
	m := &Metrics{}

	var err error
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.AuthorizationStarted, "auth.authorization.started", "Authorization transactions opened", "{transaction}"},
		{&m.LoginSucceeded, "auth.login.succeeded", "Successful resource-owner logins", "{login}"},
		{&m.LoginFailed, "auth.login.failed", "Failed resource-owner logins", "{login}"},
		{&m.CodeIssued, "auth.code.issued", "Authorization codes issued", "{code}"},
		{&m.CodeExchanged, "auth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, "auth.token.refreshed", "Refresh-token rotations completed", "{rotation}"},
		{&m.TokenRevoked, "auth.token.revoked", "Refresh tokens revoked", "{revocation}"},
		{&m.GrantFailed, "auth.grant.failed", "Grant requests rejected", "{request}"},
		{&m.RateLimitExceeded, "auth.ratelimit.exceeded", "Requests rejected by rate limiting", "{request}"},
	}

	for _, c := range counters {
		*c.target, err = meter.Int64Counter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	return m, nil
}
