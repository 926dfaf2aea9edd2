package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

type recordingTransport struct {
	mu    sync.Mutex
	texts []string
	times []time.Time
	err   error
}

func (r *recordingTransport) send(ctx context.Context, to types.JID, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.texts = append(r.texts, text)
	r.times = append(r.times, time.Now())
	return "WAMID-" + text, nil
}

func TestSendQueueFIFOAndPacing(t *testing.T) {
	transport := &recordingTransport{}
	minDelay := 20 * time.Millisecond
	q := newSendQueue(minDelay, 30*time.Millisecond, transport.send)
	defer q.close()

	jid := types.NewJID("5511987654321", types.DefaultUserServer)
	var wg sync.WaitGroup
	for _, text := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			res, err := q.enqueue(context.Background(), jid, text)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, res.Success)
			assert.Equal(t, "WAMID-"+text, res.MessageID)
			assert.GreaterOrEqual(t, res.DelayMs, minDelay.Milliseconds())
		}(text)
		// Stagger submissions so arrival order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, []string{"first", "second", "third"}, transport.texts)
	for i := 1; i < len(transport.times); i++ {
		gap := transport.times[i].Sub(transport.times[i-1])
		assert.GreaterOrEqual(t, gap, minDelay, "successive sends must be paced")
	}
}

func TestSendQueueFailureDoesNotCorruptQueue(t *testing.T) {
	transport := &recordingTransport{err: errors.New("boom")}
	q := newSendQueue(time.Millisecond, time.Millisecond, transport.send)
	defer q.close()

	jid := types.NewJID("5511987654321", types.DefaultUserServer)
	_, err := q.enqueue(context.Background(), jid, "fails")
	require.Error(t, err)

	transport.mu.Lock()
	transport.err = nil
	transport.mu.Unlock()

	res, err := q.enqueue(context.Background(), jid, "works")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSendQueueEnqueueAfterClose(t *testing.T) {
	transport := &recordingTransport{}
	q := newSendQueue(time.Millisecond, time.Millisecond, transport.send)
	q.close()

	jid := types.NewJID("5511987654321", types.DefaultUserServer)
	_, err := q.enqueue(context.Background(), jid, "late")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendQueueBackpressure(t *testing.T) {
	transport := &recordingTransport{}
	// Built by hand without a draining worker so the buffer stays full.
	q := &sendQueue{
		minDelay:  time.Millisecond,
		maxDelay:  time.Millisecond,
		transport: transport.send,
		tasks:     make(chan *sendTask, 1),
	}

	jid := types.NewJID("5511987654321", types.DefaultUserServer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.enqueue(ctx, jid, "pending")
	require.Eventually(t, func() bool { return len(q.tasks) == 1 },
		time.Second, time.Millisecond)

	_, err := q.enqueue(context.Background(), jid, "overflow")
	assert.ErrorIs(t, err, ErrSendQueueFull)
}

func TestSendQueueRespectsContext(t *testing.T) {
	transport := &recordingTransport{}
	q := newSendQueue(time.Second, time.Second, transport.send)
	defer q.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	jid := types.NewJID("5511987654321", types.DefaultUserServer)
	_, err := q.enqueue(ctx, jid, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
