package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_CountTriggeredBatches checks that N appends with maxItems k
// drain exactly N/k full batches and leave N%k rows pending.
func TestProperty_CountTriggeredBatches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appends drain floor(N/k) batches of k rows", prop.ForAll(
		func(n, k int) bool {
			ship := &mockShipper{}
			buf := New(ship, k, time.Hour, WithMaxPending(1<<20))
			ctx := context.Background()
			for i := 0; i < n; i++ {
				if err := buf.Append(ctx, row(i)); err != nil {
					return false
				}
			}

			buf.mu.Lock()
			batches := len(buf.outgoing)
			for _, b := range buf.outgoing {
				if len(b.rows) != k || b.trigger != triggerCount {
					buf.mu.Unlock()
					return false
				}
			}
			pending := len(buf.pending)
			buf.mu.Unlock()
			if batches != n/k || pending != n%k {
				return false
			}

			if err := buf.Close(ctx); err != nil {
				return false
			}
			want := n / k
			if n%k != 0 {
				want++
			}
			return len(ship.Batches()) == want
		},
		gen.IntRange(0, 200),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
