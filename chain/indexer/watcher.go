package indexer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"lukechampine.com/uint128"
)

// OutPointSource is the slice of the client the watcher needs; tests swap
// in a fake.
type OutPointSource interface {
	GetOutPoint(ctx context.Context, txid string, vout uint32) (*OutPointResponse, error)
}

// OutPointEvent is one observation of a watched outpoint.
type OutPointEvent struct {
	// OutPoint identifies the observed output.
	OutPoint wire.OutPoint

	// Address is the deposit address the watch was registered for.
	Address string

	// Confirmations is the current confirmation count.
	Confirmations uint32

	// Gone is set when a previously seen outpoint vanished from the
	// indexer, i.e. a reorg or double-spend.
	Gone bool

	// RuneID and Amount describe the rune contents.
	RuneID string
	Amount uint128.Uint128
}

// watchRequest tracks one registered outpoint.
type watchRequest struct {
	outPoint wire.OutPoint
	address  string

	events chan OutPointEvent
	cancel context.CancelFunc
}

// Watcher polls the indexer for registered outpoints and emits confirmation
// transitions. Events are emitted only on change, so consumers stay
// idempotent on (outpoint, status).
type Watcher struct {
	source       OutPointSource
	pollInterval time.Duration

	requests map[wire.OutPoint]*watchRequest
	mu       sync.Mutex

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over the given source.
func NewWatcher(source OutPointSource, pollInterval time.Duration) *Watcher {
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}

	return &Watcher{
		source:       source,
		pollInterval: pollInterval,
		requests:     make(map[wire.OutPoint]*watchRequest),
		quit:         make(chan struct{}),
	}
}

// Start marks the watcher live so that Stop tears it down. Watch begins
// polling as soon as a watch is registered, whether or not Start was called.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.started = true
}

// Stop cancels every watch and waits for the poll goroutines.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false

	close(w.quit)
	for _, req := range w.requests {
		req.cancel()
	}
	w.requests = make(map[wire.OutPoint]*watchRequest)
	w.mu.Unlock()

	w.wg.Wait()
}

// Watch registers an outpoint and returns its event stream. The stream
// closes when the watch is cancelled or the watcher stops.
func (w *Watcher) Watch(ctx context.Context, outPoint wire.OutPoint,
	address string) (<-chan OutPointEvent, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.requests[outPoint]; ok {
		return existing.events, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	req := &watchRequest{
		outPoint: outPoint,
		address:  address,
		events:   make(chan OutPointEvent, 8),
		cancel:   cancel,
	}
	w.requests[outPoint] = req

	w.wg.Add(1)
	go w.poll(watchCtx, req)

	return req.events, nil
}

// Unwatch cancels a registered watch.
func (w *Watcher) Unwatch(outPoint wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req, ok := w.requests[outPoint]; ok {
		req.cancel()
		delete(w.requests, outPoint)
	}
}

// poll drives one outpoint until its watch ends.
func (w *Watcher) poll(ctx context.Context, req *watchRequest) {
	defer w.wg.Done()
	defer close(req.events)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var (
		seen      bool
		lastConfs uint32
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-ticker.C:
		}

		resp, err := w.source.GetOutPoint(
			ctx, req.outPoint.Hash.String(), req.outPoint.Index,
		)
		switch {
		case err == nil:

		case seen && isNotFound(err):
			// A previously observed outpoint vanished.
			event := OutPointEvent{
				OutPoint: req.outPoint,
				Address:  req.address,
				Gone:     true,
			}
			seen = false
			lastConfs = 0
			if !w.deliver(ctx, req, event) {
				return
			}
			continue

		default:
			// Not found before first sighting, or a transient
			// indexer failure: keep polling.
			continue
		}

		if seen && resp.Confirmations == lastConfs {
			continue
		}
		seen = true
		lastConfs = resp.Confirmations

		event := OutPointEvent{
			OutPoint:      req.outPoint,
			Address:       req.address,
			Confirmations: resp.Confirmations,
		}
		if len(resp.Runes) > 0 {
			event.RuneID = resp.Runes[0].RuneID
			amount, err := uint128.FromString(resp.Runes[0].Amount)
			if err == nil {
				event.Amount = amount
			}
		}

		if !w.deliver(ctx, req, event) {
			return
		}
	}
}

// deliver sends an event unless the watch is shutting down.
func (w *Watcher) deliver(ctx context.Context, req *watchRequest,
	event OutPointEvent) bool {

	select {
	case req.events <- event:
		return true
	case <-ctx.Done():
		return false
	case <-w.quit:
		return false
	}
}

// isNotFound reports whether an error is the indexer's not-found.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
