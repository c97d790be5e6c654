package mediator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayQueueEmpty(t *testing.T) {
	dq := NewDelayQueue()
	require.Equal(t, 0, dq.Len())
	_, ok := dq.NextDeadline()
	require.False(t, ok)
	require.Empty(t, dq.DrainDue(time.Now()))
}

func TestDelayQueueOrdersByDeadline(t *testing.T) {
	dq := NewDelayQueue()
	base := time.Now()
	dest := &net.UDPAddr{Port: 1}

	dq.Push(base.Add(3*time.Second), []byte("third"), dest)
	dq.Push(base.Add(1*time.Second), []byte("first"), dest)
	dq.Push(base.Add(2*time.Second), []byte("second"), dest)

	require.Equal(t, 3, dq.Len())
	deadline, ok := dq.NextDeadline()
	require.True(t, ok)
	require.Equal(t, base.Add(1*time.Second), deadline)

	due := dq.DrainDue(base.Add(10 * time.Second))
	require.Len(t, due, 3)
	require.Equal(t, "first", string(due[0].Data()))
	require.Equal(t, "second", string(due[1].Data()))
	require.Equal(t, "third", string(due[2].Data()))
}

func TestDelayQueueDrainOnlyDueEntries(t *testing.T) {
	dq := NewDelayQueue()
	now := time.Now()
	dest := &net.UDPAddr{Port: 1}

	dq.Push(now.Add(-time.Second), []byte("past"), dest)
	dq.Push(now.Add(time.Hour), []byte("future"), dest)

	due := dq.DrainDue(now)
	require.Len(t, due, 1)
	require.Equal(t, "past", string(due[0].Data()))
	require.Equal(t, 1, dq.Len())
}

func TestDelayedDatagramAccessors(t *testing.T) {
	dq := NewDelayQueue()
	dest := &net.UDPAddr{Port: 42}
	dq.Push(time.Now(), []byte("payload"), dest)

	due := dq.DrainDue(time.Now().Add(time.Second))
	require.Len(t, due, 1)
	require.Equal(t, []byte("payload"), due[0].Data())
	require.Equal(t, dest, due[0].Dest())
}
