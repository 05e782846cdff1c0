// Package accounting tracks what each request actually cost and what it
// would have cost on the primary provider. The Accountant is the single
// mutation point for the process-wide aggregate; everything else reads
// snapshots.
package accounting

import (
	"sync"
	"time"
)

// CostTable is the pricing surface of a provider. provider.Provider
// satisfies it.
type CostTable interface {
	Name() string
	CostPerMTokIn() float64
	CostPerMTokOut() float64
}

// Record is the per-request cost outcome. BaselineCostUSD always prices the
// request against the primary provider, regardless of who served it.
type Record struct {
	RequestID       string    `json:"request_id"`
	Provider        string    `json:"provider"`
	TokensIn        int       `json:"tokens_in"`
	TokensOut       int       `json:"tokens_out"`
	ActualCostUSD   float64   `json:"actual_cost_usd"`
	BaselineCostUSD float64   `json:"baseline_cost_usd"`
	SavingsUSD      float64   `json:"savings_usd"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProviderStats aggregates per-provider outcomes. Served counts requests the
// provider answered; FailedAttempts counts fallback-triggering failures.
type ProviderStats struct {
	Served         int64   `json:"served"`
	FailedAttempts int64   `json:"failed_attempts"`
	SuccessRate    float64 `json:"success_rate"`
}

// Stats is a point-in-time aggregate snapshot.
type Stats struct {
	TotalRequests       int64                    `json:"total_requests"`
	SuccessfulRequests  int64                    `json:"successful_requests"`
	FailedRequests      int64                    `json:"failed_requests"`
	TotalTokensIn       int64                    `json:"total_tokens_in"`
	TotalTokensOut      int64                    `json:"total_tokens_out"`
	TotalActualCostUSD  float64                  `json:"total_actual_cost_usd"`
	TotalBaselineUSD    float64                  `json:"total_baseline_cost_usd"`
	TotalSavingsUSD     float64                  `json:"total_savings_usd"`
	AverageSavingsUSD   float64                  `json:"average_savings_usd"`
	Providers           map[string]ProviderStats `json:"providers"`
	ClassifierToolShare float64                  `json:"classifier_tool_share"`

	toolRouted int64
}

// Accountant folds per-request records into the aggregate. All mutation goes
// through its methods under one mutex; Record and RecordFailure are
// idempotent per request ID so retried handler paths cannot double-count.
// defaultSeenLimit bounds each generation of the request-ID set; duplicate
// checks consult two generations, so the idempotency window spans at least
// this many distinct requests.
const defaultSeenLimit = 1 << 16

type Accountant struct {
	baseline func() CostTable

	mu        sync.Mutex
	seen      map[string]struct{}
	prevSeen  map[string]struct{}
	seenLimit int
	stats     Stats
	perProv   map[string]*ProviderStats
}

// New builds an Accountant. baseline is resolved per call so a registry
// reload that changes the primary takes effect without restarting.
func New(baseline func() CostTable) *Accountant {
	return &Accountant{
		baseline:  baseline,
		seen:      make(map[string]struct{}),
		seenLimit: defaultSeenLimit,
		perProv:   make(map[string]*ProviderStats),
	}
}

// firstTime records the request ID unless it was seen recently. The set
// rotates in two generations to keep memory bounded over the process
// lifetime; a duplicate arriving after two full rotations will be counted
// again, which the lossy aggregate tolerates.
func (a *Accountant) firstTime(requestID string) bool {
	if _, dup := a.seen[requestID]; dup {
		return false
	}
	if _, dup := a.prevSeen[requestID]; dup {
		return false
	}
	if len(a.seen) >= a.seenLimit {
		a.prevSeen = a.seen
		a.seen = make(map[string]struct{}, a.seenLimit)
	}
	a.seen[requestID] = struct{}{}
	return true
}

func cost(table CostTable, tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*table.CostPerMTokIn() +
		float64(tokensOut)/1e6*table.CostPerMTokOut()
}

// Record finalizes a served request. The bool reports whether the record was
// folded into the aggregate; a repeated request ID returns the computed
// record without mutating anything.
func (a *Accountant) Record(requestID string, served CostTable, tokensIn, tokensOut int) (Record, bool) {
	baseline := a.baseline()

	rec := Record{
		RequestID:       requestID,
		Provider:        served.Name(),
		TokensIn:        tokensIn,
		TokensOut:       tokensOut,
		ActualCostUSD:   cost(served, tokensIn, tokensOut),
		BaselineCostUSD: cost(baseline, tokensIn, tokensOut),
		CreatedAt:       time.Now().UTC(),
	}
	rec.SavingsUSD = rec.BaselineCostUSD - rec.ActualCostUSD
	if rec.SavingsUSD < 0 {
		rec.SavingsUSD = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.firstTime(requestID) {
		return rec, false
	}

	a.stats.TotalRequests++
	a.stats.SuccessfulRequests++
	a.stats.TotalTokensIn += int64(tokensIn)
	a.stats.TotalTokensOut += int64(tokensOut)
	a.stats.TotalActualCostUSD += rec.ActualCostUSD
	a.stats.TotalBaselineUSD += rec.BaselineCostUSD
	a.stats.TotalSavingsUSD += rec.SavingsUSD

	a.providerStats(served.Name()).Served++

	return rec, true
}

// RecordFailure finalizes a request that exhausted every candidate. The bool
// reports whether the failure was counted.
func (a *Accountant) RecordFailure(requestID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.firstTime(requestID) {
		return false
	}

	a.stats.TotalRequests++
	a.stats.FailedRequests++
	return true
}

// NoteFailedAttempt counts one fallback-triggering provider failure. Attempt
// counters are not idempotent by request; a request that burns through three
// candidates legitimately yields three failed attempts.
func (a *Accountant) NoteFailedAttempt(providerName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providerStats(providerName).FailedAttempts++
}

// NoteToolRouted tracks how much traffic classification sends down the
// tool-required path.
func (a *Accountant) NoteToolRouted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.toolRouted++
}

func (a *Accountant) providerStats(name string) *ProviderStats {
	ps, ok := a.perProv[name]
	if !ok {
		ps = &ProviderStats{}
		a.perProv[name] = ps
	}
	return ps
}

// Snapshot copies the aggregate for the status endpoint.
func (a *Accountant) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.stats
	out.Providers = make(map[string]ProviderStats, len(a.perProv))
	for name, ps := range a.perProv {
		copied := *ps
		if total := copied.Served + copied.FailedAttempts; total > 0 {
			copied.SuccessRate = float64(copied.Served) / float64(total)
		}
		out.Providers[name] = copied
	}
	if out.SuccessfulRequests > 0 {
		out.AverageSavingsUSD = out.TotalSavingsUSD / float64(out.SuccessfulRequests)
	}
	if out.TotalRequests > 0 {
		out.ClassifierToolShare = float64(out.toolRouted) / float64(out.TotalRequests)
	}
	return out
}
