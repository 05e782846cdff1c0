package proxy

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/thriftgate/thriftgate/internal/classify"
	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/wire"
)

// Fleet is the provider inventory the router and handler work against.
// *registry.Registry satisfies it.
type Fleet interface {
	All() []provider.Provider
	ToolCapable() []provider.Provider
	Primary() provider.Provider
	Get(name string) (provider.Provider, bool)
	Reload() error
}

var (
	// ErrNoCapableProvider means a tool-requiring request found no
	// tool-capable provider to try. Tool requests are never downgraded to a
	// provider that cannot execute tools.
	ErrNoCapableProvider = errors.New("no tool-capable provider available")

	// ErrAllProvidersExhausted means every candidate was attempted and failed.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// Attempt records one provider try for logging and accounting.
type Attempt struct {
	Provider  string
	StartTime time.Time
	Latency   time.Duration
	Outcome   provider.Outcome
}

// Router walks candidates in priority order until one answers. Each provider
// gets a circuit breaker so a flapping upstream is skipped cheaply instead of
// burning its full timeout on every request.
type Router struct {
	reg Fleet

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRouter(reg Fleet) *Router {
	return &Router{
		reg:      reg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the provider's circuit breaker, creating one on first use.
// Breakers are keyed by name and survive registry reloads, so a provider that
// was tripping before a reload stays tripped after it.
func (r *Router) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		r.breakers[name] = cb
	}
	return cb
}

// Candidates returns the ordered provider list for a classification. Tool
// requests see only tool-capable providers. Conversational requests see the
// whole fleet, with the primary last so it serves as the final fallback.
func (r *Router) Candidates(result classify.Result) ([]provider.Provider, error) {
	if result == classify.ToolRequired {
		tc := r.reg.ToolCapable()
		if len(tc) == 0 {
			return nil, ErrNoCapableProvider
		}
		return tc, nil
	}
	return r.reg.All(), nil
}

// Forced returns a single-candidate list for an operator-pinned provider.
func (r *Router) Forced(name string, result classify.Result) ([]provider.Provider, error) {
	p, ok := r.reg.Get(name)
	if !ok {
		return nil, ErrNoCapableProvider
	}
	if result == classify.ToolRequired && !p.SupportsTools() {
		return nil, ErrNoCapableProvider
	}
	return []provider.Provider{p}, nil
}

// Execute tries candidates in order and returns the first success. It always
// returns one Attempt per candidate tried; callers rely on the attempt list
// being complete for per-provider accounting.
//
// Each attempt runs under its own timeout derived from a context detached
// from the client's. A client that disconnects mid-call does not abort the
// in-flight upstream request, but no further candidate is started for it.
func (r *Router) Execute(ctx context.Context, candidates []provider.Provider, req *wire.MessagesRequest) (*wire.MessagesResponse, provider.Provider, []Attempt, error) {
	attempts := make([]Attempt, 0, len(candidates))

	for _, p := range candidates {
		if ctx.Err() != nil {
			return nil, nil, attempts, ctx.Err()
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Timeout())
		result, err := r.breaker(p.Name()).Execute(func() (interface{}, error) {
			return p.Complete(attemptCtx, req)
		})
		cancel()

		if err == nil {
			attempts = append(attempts, Attempt{
				Provider:  p.Name(),
				StartTime: start,
				Latency:   time.Since(start),
				Outcome:   provider.OutcomeSuccess,
			})
			return result.(*wire.MessagesResponse), p, attempts, nil
		}

		outcome := classifyFailure(attemptCtx, err)
		attempts = append(attempts, Attempt{
			Provider:  p.Name(),
			StartTime: start,
			Latency:   time.Since(start),
			Outcome:   outcome,
		})

		if outcome == provider.OutcomeMalformed {
			log.Printf("ERROR proxy: provider %s returned malformed response: %v", p.Name(), err)
		} else {
			log.Printf("WARN proxy: provider %s failed (%s): %v", p.Name(), outcome, err)
		}
	}

	return nil, nil, attempts, ErrAllProvidersExhausted
}

// classifyFailure resolves an attempt error into an outcome. The provider
// adapters tag HTTP-level failures themselves; deadline expiry and open
// breakers are resolved here because the router owns the attempt context and
// the breakers.
func classifyFailure(attemptCtx context.Context, err error) provider.Outcome {
	var callErr *provider.CallError
	if errors.As(err, &callErr) {
		if callErr.Outcome == provider.OutcomeTransient &&
			(errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded) {
			return provider.OutcomeTimeout
		}
		return callErr.Outcome
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return provider.OutcomeTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.OutcomeTimeout
	}
	return provider.OutcomeTransient
}
