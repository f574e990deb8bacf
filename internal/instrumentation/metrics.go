package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters recorded along the authorization handoff
type Metrics struct {
	AuthorizeRequests metric.Int64Counter
	CodesIssued       metric.Int64Counter
	CodesExchanged    metric.Int64Counter
	PKCEFailures      metric.Int64Counter
	CodeReuseDetected metric.Int64Counter
	RefreshRequests   metric.Int64Counter
	RateLimited       metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.AuthorizeRequests, "auth.authorize.requests", "Authorization requests stored", "{request}"},
		{&m.CodesIssued, "auth.codes.issued", "One-time codes minted", "{code}"},
		{&m.CodesExchanged, "auth.codes.exchanged", "Codes exchanged for tokens", "{exchange}"},
		{&m.PKCEFailures, "auth.pkce.failures", "Exchanges rejected by the PKCE check", "{failure}"},
		{&m.CodeReuseDetected, "auth.codes.reused", "Exchanges presenting an already used code", "{attempt}"},
		{&m.RefreshRequests, "auth.refresh.requests", "Refresh requests forwarded to the identity backend", "{request}"},
		{&m.RateLimited, "auth.rate_limited", "Requests rejected by the rate limiter", "{request}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

func (m *Metrics) RecordAuthorize(ctx context.Context, success bool) {
	m.AuthorizeRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrSuccess, success)))
}

func (m *Metrics) RecordCodeIssued(ctx context.Context) {
	m.CodesIssued.Add(ctx, 1)
}

// RecordExchange counts a token exchange by its outcome code ("ok" or an error code).
func (m *Metrics) RecordExchange(ctx context.Context, outcome string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *Metrics) RecordPKCEFailure(ctx context.Context) {
	m.PKCEFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPKCEMethod, "S256")))
}

func (m *Metrics) RecordCodeReuse(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordRefresh(ctx context.Context, success bool) {
	m.RefreshRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrSuccess, success)))
}

func (m *Metrics) RecordRateLimited(ctx context.Context, route string) {
	m.RateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPRoute, route)))
}
