package accounting

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	name    string
	in, out float64
}

func (t table) Name() string            { return t.name }
func (t table) CostPerMTokIn() float64  { return t.in }
func (t table) CostPerMTokOut() float64 { return t.out }

var (
	primary = table{name: "claude", in: 3.0, out: 15.0}
	cheap   = table{name: "groq", in: 1.0, out: 3.0}
	pricier = table{name: "boutique", in: 10.0, out: 40.0}
)

func newAccountant() *Accountant {
	return New(func() CostTable { return primary })
}

func TestRecord_CostMath(t *testing.T) {
	a := newAccountant()

	rec, folded := a.Record("req-1", cheap, 1_000_000, 2_000_000)
	require.True(t, folded)

	assert.InDelta(t, 1.0+6.0, rec.ActualCostUSD, 1e-9)
	assert.InDelta(t, 3.0+30.0, rec.BaselineCostUSD, 1e-9)
	assert.InDelta(t, 26.0, rec.SavingsUSD, 1e-9)
}

func TestRecord_SavingsNeverNegative(t *testing.T) {
	a := newAccountant()

	rec, _ := a.Record("req-1", pricier, 500_000, 500_000)
	assert.Equal(t, 0.0, rec.SavingsUSD)

	rec, _ = a.Record("req-2", primary, 500_000, 500_000)
	assert.Equal(t, 0.0, rec.SavingsUSD, "primary serving itself saves nothing")

	snap := a.Snapshot()
	assert.GreaterOrEqual(t, snap.TotalSavingsUSD, 0.0)
}

func TestRecord_IdempotentPerRequestID(t *testing.T) {
	a := newAccountant()

	_, folded := a.Record("req-1", cheap, 100, 200)
	require.True(t, folded)
	_, folded = a.Record("req-1", cheap, 100, 200)
	assert.False(t, folded)

	snap := a.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
	assert.Equal(t, int64(100), snap.TotalTokensIn)
	assert.Equal(t, int64(200), snap.TotalTokensOut)
}

func TestRecord_SeenSetStaysBounded(t *testing.T) {
	a := newAccountant()
	a.seenLimit = 4

	for i := 0; i < 100; i++ {
		a.Record(fmt.Sprintf("req-%d", i), cheap, 1, 1)
	}

	a.mu.Lock()
	assert.LessOrEqual(t, len(a.seen), 4)
	assert.LessOrEqual(t, len(a.prevSeen), 4)
	a.mu.Unlock()

	// Recent IDs are still deduplicated across the rotation boundary.
	_, folded := a.Record("req-99", cheap, 1, 1)
	assert.False(t, folded)
	_, folded = a.Record("req-97", cheap, 1, 1)
	assert.False(t, folded)

	snap := a.Snapshot()
	assert.Equal(t, int64(100), snap.TotalRequests)
}

func TestRecordFailure_CountsOnceAndOnlyFailed(t *testing.T) {
	a := newAccountant()

	assert.True(t, a.RecordFailure("req-1"))
	assert.False(t, a.RecordFailure("req-1"))

	snap := a.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int64(0), snap.SuccessfulRequests)
}

func TestSnapshot_PerProviderSuccessRate(t *testing.T) {
	a := newAccountant()

	a.NoteFailedAttempt("groq")
	a.NoteFailedAttempt("groq")
	a.Record("req-1", cheap, 10, 10)
	a.Record("req-2", primary, 10, 10)

	snap := a.Snapshot()
	groq := snap.Providers["groq"]
	assert.Equal(t, int64(1), groq.Served)
	assert.Equal(t, int64(2), groq.FailedAttempts)
	assert.InDelta(t, 1.0/3.0, groq.SuccessRate, 1e-9)

	claude := snap.Providers["claude"]
	assert.Equal(t, int64(1), claude.Served)
	assert.Equal(t, 1.0, claude.SuccessRate)
}

func TestSnapshot_AverageSavings(t *testing.T) {
	a := newAccountant()
	a.Record("req-1", cheap, 1_000_000, 0) // saves 2.0
	a.Record("req-2", cheap, 0, 1_000_000) // saves 12.0

	snap := a.Snapshot()
	assert.InDelta(t, 14.0, snap.TotalSavingsUSD, 1e-9)
	assert.InDelta(t, 7.0, snap.AverageSavingsUSD, 1e-9)
}

func TestRecord_ConcurrentCallers(t *testing.T) {
	a := newAccountant()

	const workers = 32
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("req-%d-%d", w, i)
				a.Record(id, cheap, 10, 10)
				a.Record(id, cheap, 10, 10) // duplicate must not double-count
				a.NoteFailedAttempt("groq")
			}
		}(w)
	}
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, int64(workers*perWorker), snap.TotalRequests)
	assert.Equal(t, int64(workers*perWorker), snap.SuccessfulRequests)
	assert.Equal(t, int64(workers*perWorker*10), snap.TotalTokensIn)
	assert.Equal(t, int64(workers*perWorker), snap.Providers["groq"].FailedAttempts)
}
