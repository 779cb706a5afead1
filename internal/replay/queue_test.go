package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(QueueOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	ev, err := q.Enqueue(ctx, json.RawMessage(`{"event":"page_view"}`))
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.False(t, ev.Timestamp.IsZero())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDrainSendsInFIFOOrder(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ev, err := q.Enqueue(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	var got []string
	sent, err := q.Drain(ctx, func(_ context.Context, ev Event) error {
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, sent)
	require.Equal(t, ids, got)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDrainHaltsOnFirstFailure(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ev, err := q.Enqueue(ctx, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	// The second send fails: only event 1 may be deleted.
	calls := 0
	sent, err := q.Drain(ctx, func(_ context.Context, ev Event) error {
		calls++
		if calls == 2 {
			return errors.New("sink unavailable")
		}
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, sent)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// The next drain starts from event 2: no reordering, nothing skipped.
	var got []string
	sent, err = q.Drain(ctx, func(_ context.Context, ev Event) error {
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, ids[1:], got)
}

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	q := openTestQueue(t)
	sent, err := q.Drain(context.Background(), func(context.Context, Event) error {
		t.Fatal("send must not be called for an empty queue")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestDrainRespectsContextCancellation(t *testing.T) {
	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Enqueue(ctx, json.RawMessage(`{"n":0}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	sent, err := q.Drain(ctx, func(context.Context, Event) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, sent)
}

type scriptedFetcher struct {
	fail  bool
	calls int
}

func (f *scriptedFetcher) FetchJSON(context.Context, string, string, any) (json.RawMessage, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("unreachable")
	}
	return json.RawMessage(`{}`), nil
}

func TestDrainerDrainsOnRecoverySignal(t *testing.T) {
	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, json.RawMessage(`{"event":"click"}`))
	require.NoError(t, err)

	fetcher := &scriptedFetcher{}
	recovered := make(chan struct{}, 1)
	drainer := NewDrainer(DrainerOptions{
		Queue:     q,
		Fetcher:   fetcher,
		Endpoint:  "https://origin.test/api/analytics",
		Recovered: recovered,
		Interval:  time.Hour,
	})
	go drainer.Run(ctx)

	recovered <- struct{}{}

	require.Eventually(t, func() bool {
		n, err := q.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, fetcher.calls)
}
