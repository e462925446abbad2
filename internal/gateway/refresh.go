package gateway

import (
	"context"
	"log/slog"
	"sync"
)

// RefreshFunc renews the session credential once.
type RefreshFunc func(ctx context.Context) error

// RetryFunc re-issues one original request after a refresh.
type RetryFunc func(ctx context.Context) (*Response, error)

// Coordinator guarantees at most one credential refresh runs at a time.
// Requests that fail with 401 while an episode is running join its queue
// instead of starting another. When the refresh settles the queue is
// drained: on success each request is replayed once in arrival order, on
// failure every request is rejected with the refresh error and the
// failure hook runs exactly once.
type Coordinator struct {
	refresh   RefreshFunc
	onSuccess func()
	onFailure func(error)
	logger    *slog.Logger

	mu      sync.Mutex
	current *episode
	queue   []*waiter
	started uint64
}

type episode struct {
	id   uint64
	done chan struct{}
	err  error
}

type waiter struct {
	ctx    context.Context
	retry  RetryFunc
	result chan replayResult
}

type replayResult struct {
	resp *Response
	err  error
}

// NewCoordinator creates a coordinator. onSuccess and onFailure may be nil.
func NewCoordinator(refresh RefreshFunc, onSuccess func(), onFailure func(error), logger *slog.Logger) *Coordinator {
	if onSuccess == nil {
		onSuccess = func() {}
	}

	if onFailure == nil {
		onFailure = func(error) {}
	}

	return &Coordinator{
		refresh:   refresh,
		onSuccess: onSuccess,
		onFailure: onFailure,
		logger:    logger,
	}
}

// refreshing reports whether a refresh episode is in progress.
func (c *Coordinator) refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current != nil
}

// episodes returns how many refresh episodes have started.
func (c *Coordinator) episodes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.started
}

// EnsureFresh joins the running refresh episode, starting one if none is
// in progress, and waits for it to settle.
func (c *Coordinator) EnsureFresh(ctx context.Context) error {
	c.mu.Lock()
	ep := c.beginLocked()
	c.mu.Unlock()

	select {
	case <-ep.done:
		return ep.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay queues retry behind the running refresh episode, starting one if
// none is in progress, and returns retry's result. If the refresh fails
// retry is never called and the refresh error is returned.
func (c *Coordinator) Replay(ctx context.Context, retry RetryFunc) (*Response, error) {
	w := &waiter{
		ctx:    ctx,
		retry:  retry,
		result: make(chan replayResult, 1),
	}

	c.mu.Lock()
	c.queue = append(c.queue, w)
	c.beginLocked()
	c.mu.Unlock()

	select {
	case r := <-w.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) beginLocked() *episode {
	if c.current != nil {
		return c.current
	}

	c.started++
	ep := &episode{id: c.started, done: make(chan struct{})}
	c.current = ep

	go c.run(ep)

	return ep
}

func (c *Coordinator) run(ep *episode) {
	c.logger.Debug("credential refresh started", slog.Uint64("episode", ep.id))

	err := c.refresh(context.Background())

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.current = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("credential refresh failed",
			slog.Uint64("episode", ep.id),
			slog.Int("queued", len(queue)),
			slog.String("error", err.Error()),
		)

		c.onFailure(err)

		ep.err = err
		close(ep.done)

		for _, w := range queue {
			w.result <- replayResult{err: err}
		}

		return
	}

	c.logger.Debug("credential refresh succeeded",
		slog.Uint64("episode", ep.id),
		slog.Int("queued", len(queue)),
	)

	// EnsureFresh callers wake after the hook.
	c.onSuccess()
	close(ep.done)

	for _, w := range queue {
		if err := w.ctx.Err(); err != nil {
			w.result <- replayResult{err: err}
			continue
		}

		resp, err := w.retry(w.ctx)
		w.result <- replayResult{resp: resp, err: err}
	}
}
