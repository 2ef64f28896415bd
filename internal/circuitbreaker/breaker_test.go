package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ticketescrow/internal/clock"
)

func newTestBreaker(threshold int) (*Breaker, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewWithClock(threshold, time.Minute, clk), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	assert.True(t, b.Allow("capture"))
	b.RecordFailure("capture")
	b.RecordFailure("capture")
	assert.Equal(t, StateClosed, b.State("capture"))
	assert.True(t, b.Allow("capture"))

	b.RecordFailure("capture")
	assert.Equal(t, StateOpen, b.State("capture"))
	assert.False(t, b.Allow("capture"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	b.RecordSuccess("transfer")
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("capture")
	b.RecordFailure("capture")
	require.Equal(t, StateOpen, b.State("capture"))

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow("capture"), "still cooling down")

	clk.Advance(time.Second)
	assert.True(t, b.Allow("capture"), "first caller after cooldown is the probe")
	assert.Equal(t, StateHalfOpen, b.State("capture"))
	assert.False(t, b.Allow("capture"), "only one probe at a time")

	b.RecordSuccess("capture")
	assert.Equal(t, StateClosed, b.State("capture"))
	assert.True(t, b.Allow("capture"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("cancel")
	b.RecordFailure("cancel")

	clk.Advance(time.Minute)
	require.True(t, b.Allow("cancel"))
	b.RecordFailure("cancel")

	assert.Equal(t, StateOpen, b.State("cancel"))
	assert.False(t, b.Allow("cancel"), "cooldown restarts from the failed probe")
}

func TestBreaker_LateSuccessKeepsOpen(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("transfer")
	b.RecordSuccess("transfer")
	assert.Equal(t, StateOpen, b.State("transfer"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("capture")
	b.RecordFailure("capture")

	assert.False(t, b.Allow("capture"))
	assert.True(t, b.Allow("transfer"))
	assert.Equal(t, StateClosed, b.State("never-seen"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clk := newTestBreaker(1)

	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure("authorize")
	clk.Advance(time.Minute)
	b.Allow("authorize")
	b.RecordSuccess("authorize")

	assert.Equal(t, []string{
		"authorize:closed->open",
		"authorize:open->half_open",
		"authorize:half_open->closed",
	}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_ExecuteCountsOnlyFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	upstream := errors.New("timeout")
	declined := errors.New("card declined")
	isFailure := func(err error) bool { return errors.Is(err, upstream) }

	for i := 0; i < 5; i++ {
		err := b.Execute("capture", isFailure, func() error { return declined })
		require.ErrorIs(t, err, declined)
	}
	assert.Equal(t, StateClosed, b.State("capture"), "declines do not trip the circuit")

	_ = b.Execute("capture", isFailure, func() error { return upstream })
	_ = b.Execute("capture", isFailure, func() error { return upstream })

	called := false
	err := b.Execute("capture", isFailure, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "fn must not run while open")
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
}
