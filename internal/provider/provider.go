package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thriftgate/thriftgate/internal/wire"
)

// Provider is one backend model service. Adapters own the mapping between
// their native wire format and the canonical response shape.
type Provider interface {
	Name() string
	ModelID() string
	SupportsTools() bool
	Timeout() time.Duration

	// Cost in USD per million tokens, used for savings accounting.
	CostPerMTokIn() float64
	CostPerMTokOut() float64

	Complete(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error)
}

// Settings carries the registry descriptor fields an adapter needs.
type Settings struct {
	Name          string
	Endpoint      string
	Model         string
	APIKey        string
	SupportsTools bool
	CostIn        float64
	CostOut       float64
	Timeout       time.Duration
	Estimator     TokenEstimator
}

// Outcome classifies one provider attempt for fallback and accounting.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeAuthOrBalance Outcome = "auth_or_balance"
	OutcomeTransient     Outcome = "transient"
	OutcomeMalformed     Outcome = "malformed_response"
)

// CallError is a classified provider failure. The router uses the outcome to
// decide logging level and to record the attempt; every outcome falls back to
// the next candidate.
type CallError struct {
	Provider string
	Outcome  Outcome
	Status   int
	Err      error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Outcome, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Outcome, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// ClassifyHTTPFailure maps a non-200 upstream reply to an outcome. 401/402/403
// and anything mentioning credit or balance means the account cannot pay, not
// that the service is down.
func ClassifyHTTPFailure(providerName string, status int, body []byte) *CallError {
	outcome := OutcomeTransient
	lower := strings.ToLower(string(body))
	switch {
	case status == 401 || status == 402 || status == 403:
		outcome = OutcomeAuthOrBalance
	case strings.Contains(lower, "credit") || strings.Contains(lower, "balance"):
		outcome = OutcomeAuthOrBalance
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &CallError{
		Provider: providerName,
		Outcome:  outcome,
		Status:   status,
		Err:      fmt.Errorf("upstream error: %s", snippet),
	}
}

// Malformed wraps an undecodable or empty upstream reply.
func Malformed(providerName string, err error) *CallError {
	return &CallError{Provider: providerName, Outcome: OutcomeMalformed, Err: err}
}

// Transport wraps a network-level failure.
func Transport(providerName string, err error) *CallError {
	return &CallError{Provider: providerName, Outcome: OutcomeTransient, Err: err}
}
