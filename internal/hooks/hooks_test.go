package hooks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitRunsHandlersInOrder(t *testing.T) {
	e := New(nil)
	var order []int
	e.On(EventPreSend, func(payload interface{}) Result {
		order = append(order, 1)
		return Result{}
	})
	e.On(EventPreSend, func(payload interface{}) Result {
		order = append(order, 2)
		return Result{}
	})

	e.Emit(EventPreSend, nil)

	require.Equal(t, []int{1, 2}, order)
}

func TestEmitStopsPropagationOnStop(t *testing.T) {
	e := New(nil)
	var ran []int
	e.On(EventPreSend, func(payload interface{}) Result {
		ran = append(ran, 1)
		return Result{Stop: true}
	})
	e.On(EventPreSend, func(payload interface{}) Result {
		ran = append(ran, 2)
		return Result{}
	})

	e.Emit(EventPreSend, nil)

	require.Equal(t, []int{1}, ran)
}

func TestEmitRecoversFromPanicAndContinues(t *testing.T) {
	e := New(nil)
	var ran []int
	e.On(EventPreSend, func(payload interface{}) Result {
		ran = append(ran, 1)
		panic("boom")
	})
	e.On(EventPreSend, func(payload interface{}) Result {
		ran = append(ran, 2)
		return Result{}
	})

	require.NotPanics(t, func() { e.Emit(EventPreSend, nil) })
	require.Equal(t, []int{1, 2}, ran)
}

func TestEmitWithNoHandlersIsNoop(t *testing.T) {
	e := New(nil)
	require.NotPanics(t, func() { e.Emit(EventDeadLetter, "x") })
}

func TestHandlersRegisteredAfterEmitStartedDontParticipate(t *testing.T) {
	e := New(nil)
	payloadSeen := 0
	e.On(EventPostSend, func(payload interface{}) Result {
		payloadSeen++
		// Registering a new handler mid-emission must not affect this
		// in-flight call's snapshot.
		e.On(EventPostSend, func(payload interface{}) Result {
			payloadSeen += 100
			return Result{}
		})
		return Result{}
	})

	e.Emit(EventPostSend, nil)
	require.Equal(t, 1, payloadSeen)

	e.Emit(EventPostSend, nil)
	require.Equal(t, 1+1+100, payloadSeen)
}
