package proxy

import (
	"encoding/json"
	"log"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/thriftgate/thriftgate/internal/accounting"
	"github.com/thriftgate/thriftgate/internal/audit"
	"github.com/thriftgate/thriftgate/internal/auth"
	"github.com/thriftgate/thriftgate/internal/classify"
	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/wire"
	"github.com/thriftgate/thriftgate/pkg/ratelimit"
)

const (
	exhaustedMessage = "All providers are currently unavailable. Please try again shortly."
	noCapableMessage = "No provider capable of serving this request is available."
)

// Handler serves the message endpoint and the operational surface around it.
// The audit writer and rate limiter are optional and may be nil.
type Handler struct {
	reg     Fleet
	router  *Router
	acct    *accounting.Accountant
	audit   *audit.Writer
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	policy  *classify.Policy

	// forceProvider pins every request to one provider, bypassing
	// classification. Operator escape hatch, empty in normal operation.
	forceProvider string
}

func NewHandler(reg Fleet, router *Router, acct *accounting.Accountant, auditWriter *audit.Writer, limiter *ratelimit.Limiter, tracer trace.Tracer, policy *classify.Policy, forceProvider string) *Handler {
	return &Handler{
		reg:           reg,
		router:        router,
		acct:          acct,
		audit:         auditWriter,
		limiter:       limiter,
		tracer:        tracer,
		policy:        policy,
		forceProvider: forceProvider,
	}
}

func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := auth.GetRequestID(ctx)

	var req wire.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if h.limiter != nil {
		estimatedTokens := req.MaxTokens
		if estimatedTokens <= 0 {
			estimatedTokens = 1000
		}
		allowed, err := h.limiter.Allow(ctx, clientID(r), estimatedTokens)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	result := h.policy.Classify(&req)
	if result == classify.ToolRequired {
		h.acct.NoteToolRouted()
	}

	_, span := h.tracer.Start(ctx, "proxy.messages")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
		attribute.String("classification", result.String()),
	)

	var candidates []provider.Provider
	var err error
	if h.forceProvider != "" {
		candidates, err = h.router.Forced(h.forceProvider, result)
	} else {
		candidates, err = h.router.Candidates(result)
	}
	if err != nil {
		log.Printf("WARN proxy: request %s: %v", requestID, err)
		h.acct.RecordFailure(requestID)
		writeJSON(w, http.StatusOK, wire.ErrorResponse(req.Model, noCapableMessage))
		return
	}

	resp, served, attempts, err := h.router.Execute(ctx, candidates, &req)
	for _, a := range attempts {
		if a.Outcome != provider.OutcomeSuccess {
			h.acct.NoteFailedAttempt(a.Provider)
		}
	}
	span.SetAttributes(attribute.Int("attempts", len(attempts)))

	if err != nil {
		h.acct.RecordFailure(requestID)
		if ctx.Err() != nil {
			// Client is gone; nothing to write.
			return
		}
		log.Printf("WARN proxy: request %s exhausted %d candidates", requestID, len(attempts))
		writeJSON(w, http.StatusOK, wire.ErrorResponse(req.Model, exhaustedMessage))
		return
	}

	span.SetAttributes(attribute.String("served_by", served.Name()))

	rec, folded := h.acct.Record(requestID, served, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(attribute.Float64("savings_usd", rec.SavingsUSD))
	if folded && h.audit != nil {
		h.audit.Enqueue(rec)
	}

	if ctx.Err() != nil {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStats returns the in-memory aggregate.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.acct.Snapshot())
}

// HandleReload re-reads the registry file. A bad file leaves the running
// fleet untouched and reports the validation error.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Reload(); err != nil {
		log.Printf("WARN proxy: registry reload rejected: %v", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	names := make([]string, 0)
	for _, p := range h.reg.All() {
		names = append(names, p.Name())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "reloaded",
		"providers": names,
		"primary":   h.reg.Primary().Name(),
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientID identifies the caller for rate limiting: the presented API key
// when there is one, the remote address otherwise.
func clientID(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("WARN proxy: write response: %v", err)
	}
}
