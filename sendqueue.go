package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// ErrSendQueueFull reports backpressure: the user's queue already holds its
// maximum of pending tasks.
var ErrSendQueueFull = errors.New("send queue full")

// sendTransport performs the actual transport-level send for a queue.
type sendTransport func(ctx context.Context, to types.JID, text string) (string, error)

type sendTask struct {
	ctx    context.Context
	to     types.JID
	text   string
	result chan taskResult
}

type taskResult struct {
	res SendResult
	err error
}

// sendQueue serializes outbound sends for one user. Tasks execute strictly
// in arrival order, and every task sleeps a randomized pacing delay drawn
// from [minDelay, maxDelay] before touching the transport, so two sends for
// the same user are never closer than minDelay. A failed task leaves the
// queue intact for the ones behind it.
type sendQueue struct {
	minDelay  time.Duration
	maxDelay  time.Duration
	transport sendTransport

	mu     sync.Mutex
	closed bool
	tasks  chan *sendTask
}

func newSendQueue(minDelay, maxDelay time.Duration, transport sendTransport) *sendQueue {
	q := &sendQueue{
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		transport: transport,
		tasks:     make(chan *sendTask, 64),
	}
	go q.run()
	return q
}

// enqueue appends a task and blocks until it completes or ctx is done.
func (q *sendQueue) enqueue(ctx context.Context, to types.JID, text string) (SendResult, error) {
	task := &sendTask{
		ctx:    ctx,
		to:     to,
		text:   text,
		result: make(chan taskResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return SendResult{}, ErrNotConnected
	}
	select {
	case q.tasks <- task:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		return SendResult{}, ErrSendQueueFull
	}

	select {
	case r := <-task.result:
		return r.res, r.err
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

func (q *sendQueue) run() {
	for task := range q.tasks {
		res, err := q.exec(task)
		task.result <- taskResult{res: res, err: err}
	}
}

func (q *sendQueue) exec(task *sendTask) (SendResult, error) {
	delay := q.pacingDelay()
	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-task.ctx.Done():
		timer.Stop()
		return SendResult{}, task.ctx.Err()
	}

	id, err := q.transport(task.ctx, task.to, task.text)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{
		Success:   true,
		MessageID: id,
		To:        task.to.String(),
		DelayMs:   delay.Milliseconds(),
		Timestamp: time.Now(),
	}, nil
}

// pacingDelay samples uniformly from [minDelay, maxDelay].
func (q *sendQueue) pacingDelay() time.Duration {
	span := q.maxDelay - q.minDelay
	if span <= 0 {
		return q.minDelay
	}
	return q.minDelay + time.Duration(rand.Int63n(int64(span)+1))
}

// close stops accepting new tasks; queued ones still drain (and fail at
// the transport if the socket is gone).
func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
