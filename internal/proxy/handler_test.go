package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/thriftgate/thriftgate/internal/accounting"
	"github.com/thriftgate/thriftgate/internal/auth"
	"github.com/thriftgate/thriftgate/internal/classify"
	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/wire"
	"github.com/thriftgate/thriftgate/pkg/ratelimit"
)

type mockLimiterStore struct {
	allowed bool
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, nil
}

type handlerOpts struct {
	limiterAllowed *bool
	forceProvider  string
}

func setupHandler(providers []provider.Provider, opts handlerOpts) (*Handler, *accounting.Accountant) {
	fleet := &mockFleet{providers: providers}
	router := NewRouter(fleet)
	acct := accounting.New(func() accounting.CostTable { return fleet.Primary() })
	tracer := noop.NewTracerProvider().Tracer("test")

	var limiter *ratelimit.Limiter
	if opts.limiterAllowed != nil {
		limiter = ratelimit.NewTestLimiter(&mockLimiterStore{allowed: *opts.limiterAllowed})
	}

	h := NewHandler(fleet, router, acct, nil, limiter, tracer, classify.NewPolicy(classify.Conversational), opts.forceProvider)
	return h, acct
}

func postMessages(t *testing.T, h *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", &buf)
	req = req.WithContext(auth.WithRequestID(req.Context(), "test-req-1"))
	rec := httptest.NewRecorder()
	h.HandleMessages(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) wire.MessagesResponse {
	t.Helper()
	var resp wire.MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleMessages_ConversationalServedByCheapAlternate(t *testing.T) {
	alt := &MockProvider{name: "groq", costIn: 1, costOut: 3}
	primary := &MockProvider{name: "claude", supportsTools: true, costIn: 3, costOut: 15}
	h, acct := setupHandler([]provider.Provider{alt, primary}, handlerOpts{})

	rec := postMessages(t, h, newTestRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, wire.RoleAssistant, resp.Role)
	assert.Equal(t, "mock reply", resp.OutputText())

	snap := acct.Snapshot()
	assert.Equal(t, int64(1), snap.Providers["groq"].Served)
	assert.Greater(t, snap.TotalSavingsUSD, 0.0)
	assert.Equal(t, 0.0, snap.ClassifierToolShare)
}

func TestHandleMessages_DeclaredToolsGoToPrimary(t *testing.T) {
	alt := &MockProvider{name: "groq"}
	primary := &MockProvider{name: "claude", supportsTools: true}
	h, acct := setupHandler([]provider.Provider{alt, primary}, handlerOpts{})

	req := newTestRequest()
	req.Tools = []wire.Tool{{Name: "bash", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	rec := postMessages(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	snap := acct.Snapshot()
	assert.Equal(t, int64(1), snap.Providers["claude"].Served)
	assert.Equal(t, int64(0), snap.Providers["groq"].Served)
	assert.Equal(t, 1.0, snap.ClassifierToolShare)
}

func TestHandleMessages_FallbackOnAlternateFailure(t *testing.T) {
	alt := &MockProvider{name: "groq", completeErr: provider.ClassifyHTTPFailure("groq", 402, []byte("insufficient balance"))}
	primary := &MockProvider{name: "claude", supportsTools: true}
	h, acct := setupHandler([]provider.Provider{alt, primary}, handlerOpts{})

	rec := postMessages(t, h, newTestRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "mock reply", resp.OutputText())

	snap := acct.Snapshot()
	assert.Equal(t, int64(1), snap.Providers["groq"].FailedAttempts)
	assert.Equal(t, int64(1), snap.Providers["claude"].Served)
}

func TestHandleMessages_ExhaustionReturnsCanonicalError(t *testing.T) {
	down := errors.New("connection refused")
	alt := &MockProvider{name: "groq", completeErr: provider.Transport("groq", down)}
	primary := &MockProvider{name: "claude", supportsTools: true, completeErr: provider.Transport("claude", down)}
	h, acct := setupHandler([]provider.Provider{alt, primary}, handlerOpts{})

	req := newTestRequest()
	rec := postMessages(t, h, req)

	// Errors travel in the normal response shape so the client's parser
	// handles them like any assistant message.
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, req.Model, resp.Model)
	assert.NotEmpty(t, resp.OutputText())

	snap := acct.Snapshot()
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int64(1), snap.Providers["groq"].FailedAttempts)
	assert.Equal(t, int64(1), snap.Providers["claude"].FailedAttempts)
}

func TestHandleMessages_MalformedBodyIsRejected(t *testing.T) {
	primary := &MockProvider{name: "claude", supportsTools: true}
	h, _ := setupHandler([]provider.Provider{primary}, handlerOpts{})

	rec := postMessages(t, h, `{"model": "claude", "messages": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessages_ForcedProviderBypassesClassification(t *testing.T) {
	alt := &MockProvider{name: "groq"}
	primary := &MockProvider{name: "claude", supportsTools: true}
	h, acct := setupHandler([]provider.Provider{alt, primary}, handlerOpts{forceProvider: "claude"})

	rec := postMessages(t, h, newTestRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	snap := acct.Snapshot()
	assert.Equal(t, int64(1), snap.Providers["claude"].Served)
	assert.Equal(t, int64(0), snap.Providers["groq"].Served)
}

func TestHandleMessages_RateLimited(t *testing.T) {
	denied := false
	primary := &MockProvider{name: "claude", supportsTools: true}
	h, _ := setupHandler([]provider.Provider{primary}, handlerOpts{limiterAllowed: &denied})

	rec := postMessages(t, h, newTestRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHandleStats(t *testing.T) {
	alt := &MockProvider{name: "groq", costIn: 1, costOut: 3}
	primary := &MockProvider{name: "claude", supportsTools: true, costIn: 3, costOut: 15}
	h, _ := setupHandler([]provider.Provider{alt, primary}, handlerOpts{})

	postMessages(t, h, newTestRequest())

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap accounting.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
}

func TestHandleHealth(t *testing.T) {
	primary := &MockProvider{name: "claude", supportsTools: true}
	h, _ := setupHandler([]provider.Provider{primary}, handlerOpts{})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
