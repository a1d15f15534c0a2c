package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New(4)
	require.NoError(t, q.TryEnqueue("JOB-AAAAAA"))
	require.NoError(t, q.TryEnqueue("JOB-BBBBBB"))

	ctx := context.Background()
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JOB-AAAAAA", id)

	id, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JOB-BBBBBB", id)
}

func TestTryEnqueue_Full(t *testing.T) {
	q := New(1)
	require.NoError(t, q.TryEnqueue("JOB-AAAAAA"))
	assert.ErrorIs(t, q.TryEnqueue("JOB-BBBBBB"), ErrFull)

	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, q.Capacity())
}

func TestDequeue_ContextCancel(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeNotify(t *testing.T) {
	q := New(1)

	ch1 := q.Subscribe("JOB-AAAAAA")
	ch2 := q.Subscribe("JOB-AAAAAA")

	q.Notify(Outcome{JobID: "JOB-AAAAAA", Failed: true})

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		select {
		case out, ok := <-ch:
			require.True(t, ok)
			assert.Equal(t, "JOB-AAAAAA", out.JobID)
			assert.True(t, out.Failed)
		case <-time.After(time.Second):
			t.Fatal("no outcome delivered")
		}
	}

	// channel closed after delivery
	_, ok := <-ch1
	assert.False(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	q := New(1)

	ch1 := q.Subscribe("JOB-AAAAAA")
	ch2 := q.Subscribe("JOB-AAAAAA")
	q.Unsubscribe("JOB-AAAAAA", ch1)

	q.Notify(Outcome{JobID: "JOB-AAAAAA"})

	select {
	case out := <-ch2:
		assert.Equal(t, "JOB-AAAAAA", out.JobID)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber not notified")
	}

	select {
	case _, ok := <-ch1:
		assert.False(t, ok, "unsubscribed channel must not receive an outcome")
	default:
	}
}

func TestUnsubscribe_ReapsWaiterEntry(t *testing.T) {
	q := New(1)

	ch := q.Subscribe("JOB-AAAAAA")
	q.Unsubscribe("JOB-AAAAAA", ch)

	q.mu.Lock()
	_, present := q.waiters["JOB-AAAAAA"]
	q.mu.Unlock()
	assert.False(t, present, "waiter entry must be removed when the last subscriber leaves")

	// unknown id and double unsubscribe are harmless
	assert.NotPanics(t, func() {
		q.Unsubscribe("JOB-AAAAAA", ch)
		q.Unsubscribe("JOB-ZZZZZZ", ch)
	})
}

func TestNotify_NoSubscribers(t *testing.T) {
	q := New(1)
	assert.NotPanics(t, func() {
		q.Notify(Outcome{JobID: "JOB-AAAAAA"})
	})
}
