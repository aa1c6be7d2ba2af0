package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperRunsOnPeriodAndStopsOnCancel(t *testing.T) {
	table := NewClientTable()
	_, _, err := table.ResolveOrCreate(addr(1))
	require.NoError(t, err)

	const period = 20 * time.Millisecond
	done := make(chan struct{})

	r := NewReaper(period, func() {
		if len(table.Reap()) > 0 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	select {
	case <-done:
		// Removed between TIMEOUT and 2*TIMEOUT after last activity.
	case <-time.After(5 * period):
		t.Fatal("reaper never removed the idle flow")
	}

	cancel()
}
