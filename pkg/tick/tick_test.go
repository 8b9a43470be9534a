package tick

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTickOnceExecutesSweepsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Sweep {
		return Sweep{Name: name, Run: func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}
	r := NewRunner([]Sweep{mk("outbox"), mk("dispatch"), mk("insolvency")}, 0)

	res := r.RunTickOnce(context.Background())
	require.True(t, res.Ran)
	assert.Equal(t, []string{"outbox", "dispatch", "insolvency"}, order)
	assert.Empty(t, res.Errors)
	assert.False(t, r.LastTickAt().IsZero())
	assert.False(t, r.LastSuccessAt().IsZero())
}

func TestSweepErrorsDoNotHaltThePass(t *testing.T) {
	var ran bool
	r := NewRunner([]Sweep{
		{Name: "broken", Run: func(context.Context) error { return errors.New("boom") }},
		{Name: "panicky", Run: func(context.Context) error { panic("worse") }},
		{Name: "after", Run: func(context.Context) error { ran = true; return nil }},
	}, 0)

	res := r.RunTickOnce(context.Background())
	require.True(t, res.Ran)
	assert.True(t, ran, "later sweeps still run")
	assert.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors["panicky"], "panicked")
	assert.True(t, r.LastSuccessAt().IsZero(), "a failed pass is not a success")
}

func TestRunTickOnceSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	r := NewRunner([]Sweep{{Name: "slow", Run: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}}}, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.RunTickOnce(context.Background())
	}()

	<-entered
	res := r.RunTickOnce(context.Background())
	assert.False(t, res.Ran, "overlapping pass is skipped")

	close(release)
	wg.Wait()

	res = r.RunTickOnce(context.Background())
	assert.True(t, res.Ran)
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	count := 0
	r := NewRunner([]Sweep{{Name: "tick", Run: func(context.Context) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}}}, 5*time.Millisecond)

	r.Start(context.Background())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, time.Second, time.Millisecond)
	r.Stop()

	mu.Lock()
	after := count
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, count, "no passes after Stop")
	mu.Unlock()

	res := r.RunTickOnce(context.Background())
	assert.False(t, res.Ran, "a stopped runner refuses manual passes")
	mu.Lock()
	assert.Equal(t, after, count)
	mu.Unlock()
}

func TestStopIsIdempotent(t *testing.T) {
	r := NewRunner(nil, 0)
	r.Stop()
	r.Stop()
	assert.False(t, r.RunTickOnce(context.Background()).Ran)
}
