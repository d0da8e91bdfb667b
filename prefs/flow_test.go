package prefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	panic("unreachable")
}

func TestObserve_EmitsCurrentThenChanges(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := intPref.Observe(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, 0, recv(t, ch))

	require.NoError(t, stringPref.Set(ctx, m, "unrelated"))
	require.NoError(t, intPref.Set(ctx, m, 3))

	// The unrelated commit re-evaluates to 0 and is collapsed.
	assert.Equal(t, 3, recv(t, ch))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatchReadFlow_ConsistentPairs(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Int("a", 0), Int("b", 0)

	ch, err := BatchReadFlow(ctx, m, func(s ReadScope) [2]int {
		return [2]int{a.Read(s), b.Read(s)}
	})
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 0}, recv(t, ch))

	for i := 1; i <= 20; i++ {
		require.NoError(t, m.BatchWrite(ctx, func(s WriteScope) error {
			a.Write(s, i)
			b.Write(s, -i)
			return nil
		}))
	}

	// Intermediate snapshots may be skipped; a torn pair never appears.
	for {
		pair := recv(t, ch)
		require.Equal(t, 0, pair[0]+pair[1], "torn read %v", pair)
		if pair[0] == 20 {
			break
		}
	}
}

func TestBatchReadFlow_ClosesWithStore(t *testing.T) {
	m, st := newManager(t, Options{})
	ch, err := BatchReadFlow(context.Background(), m, func(s ReadScope) int { return intPref.Read(s) })
	require.NoError(t, err)
	recv(t, ch)

	require.NoError(t, st.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
