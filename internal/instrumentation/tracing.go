package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. Never attach tokens, codes or verifiers.
const (
	AttrUserID     = "auth.user_id"
	AttrState      = "auth.state_present"
	AttrCodeHash   = "auth.code_hash_prefix"
	AttrOutcome    = "auth.outcome"
	AttrSuccess    = "success"
	AttrPKCEMethod = "auth.pkce.method"
	AttrHTTPRoute  = "http.route"
	AttrStoreType  = "storage.type"
)

// RecordError records an error on a span (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

func AddUserAttributes(span trace.Span, userID string) {
	if span != nil && userID != "" {
		span.SetAttributes(attribute.String(AttrUserID, userID))
	}
}

func AddOutcomeAttribute(span trace.Span, outcome string) {
	if span != nil {
		span.SetAttributes(attribute.String(AttrOutcome, outcome))
	}
}
