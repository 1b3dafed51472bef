// Package correlate matches asynchronous command responses back to the
// callers that issued the commands.
//
// Requests are keyed by command name and each key holds at most one
// in-flight request. The decode path calls Dispatch; callers block in Await
// on their own goroutine, never on the decode goroutine.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/protocol"
	"github.com/banshee-data/dvl.link/internal/timeutil"
)

var (
	ErrDuplicateRequest  = errors.New("correlate: request already pending")
	ErrUnmatchedResponse = errors.New("correlate: no pending request for response")
	ErrTimeout           = errors.New("correlate: timed out waiting for response")
	ErrSessionReset      = errors.New("correlate: session reset")
	ErrAlreadyAwaited    = errors.New("correlate: handle already awaited")
)

// DefaultTimeout bounds Do when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Transmitter writes a command to the device.
type Transmitter interface {
	Transmit(cmd protocol.Command) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(cmd protocol.Command) error

func (f TransmitFunc) Transmit(cmd protocol.Command) error { return f(cmd) }

type pendingRequest struct {
	id     uuid.UUID
	key    string
	sentAt time.Time
	resp   chan protocol.CommandResponse
	reset  chan struct{}
}

// Handle identifies one sent command. It can be awaited once.
type Handle struct {
	ID      uuid.UUID
	Command string
	SentAt  time.Time

	req     *pendingRequest
	awaited atomic.Bool
}

// Options configure an Engine. Zero values select the real clock and
// DefaultTimeout.
type Options struct {
	Clock   timeutil.Clock
	Timeout time.Duration
	// Abandon is called with the command name when Await gives up on a
	// request that was transmitted but never answered. It runs under the
	// registry lock, before the name can be sent again.
	Abandon func(key string)
}

// Engine is the registry of in-flight commands.
type Engine struct {
	tx      Transmitter
	clock   timeutil.Clock
	timeout time.Duration
	abandon func(key string)

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func NewEngine(tx Transmitter, opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		tx:      tx,
		clock:   clock,
		timeout: timeout,
		abandon: opts.Abandon,
		pending: make(map[string]*pendingRequest),
	}
}

// Send registers a pending request for cmd and transmits it. The entry is
// registered before the write so a fast reply cannot miss it.
func (e *Engine) Send(ctx context.Context, cmd protocol.Command) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cmd.Key()
	req := &pendingRequest{
		id:     uuid.New(),
		key:    key,
		sentAt: e.clock.Now(),
		resp:   make(chan protocol.CommandResponse, 1),
		reset:  make(chan struct{}),
	}

	e.mu.Lock()
	if _, ok := e.pending[key]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	}
	e.pending[key] = req
	e.mu.Unlock()

	if err := e.tx.Transmit(cmd); err != nil {
		e.remove(req)
		return nil, fmt.Errorf("failed to send %s: %w", key, err)
	}
	monitoring.Debugf("sent %s (request %s)", key, req.id)

	return &Handle{ID: req.id, Command: key, SentAt: req.sentAt, req: req}, nil
}

// Await blocks until the response for h arrives, the timeout elapses, ctx is
// done or the engine is reset. A timeout <= 0 waits without limit. On any
// exit other than delivery the pending entry is removed so the command name
// can be reused.
func (e *Engine) Await(ctx context.Context, h *Handle, timeout time.Duration) (protocol.CommandResponse, error) {
	if !h.awaited.CompareAndSwap(false, true) {
		return protocol.CommandResponse{}, fmt.Errorf("%w: %s", ErrAlreadyAwaited, h.Command)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := e.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C()
	}

	var err error
	select {
	case resp := <-h.req.resp:
		return resp, nil
	case <-h.req.reset:
		return protocol.CommandResponse{}, fmt.Errorf("%w: %s", ErrSessionReset, h.Command)
	case <-expired:
		err = fmt.Errorf("%w: %s after %v", ErrTimeout, h.Command, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.release(h.req)

	// Dispatch delivers under the registry lock, so once remove has taken the
	// lock any response that beat the timeout is already buffered.
	select {
	case resp := <-h.req.resp:
		return resp, nil
	default:
	}
	return protocol.CommandResponse{}, err
}

// Do sends cmd and waits for its response using the engine's timeout.
func (e *Engine) Do(ctx context.Context, cmd protocol.Command) (protocol.CommandResponse, error) {
	h, err := e.Send(ctx, cmd)
	if err != nil {
		return protocol.CommandResponse{}, err
	}
	return e.Await(ctx, h, e.timeout)
}

// Dispatch hands resp to the request waiting on its command name and removes
// that request. It never blocks.
func (e *Engine) Dispatch(resp protocol.CommandResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.pending[resp.Command]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnmatchedResponse, resp.Command)
	}
	delete(e.pending, resp.Command)
	req.resp <- resp
	return nil
}

// Pending returns the command names currently awaiting a response.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.pending))
	for name := range e.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset fails every pending request with ErrSessionReset and empties the
// registry. It is called when the device connection is re-established.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, req := range e.pending {
		close(req.reset)
		delete(e.pending, key)
	}
}

func (e *Engine) remove(req *pendingRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(req)
}

func (e *Engine) removeLocked(req *pendingRequest) bool {
	if cur, ok := e.pending[req.key]; ok && cur == req {
		delete(e.pending, req.key)
		return true
	}
	return false
}

// release drops an unanswered request and tells the transport to stop
// expecting its reply. A request already taken by Dispatch is left alone.
func (e *Engine) release(req *pendingRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removeLocked(req) && e.abandon != nil {
		e.abandon(req.key)
	}
}
