package dkg

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrPoolExhausted is returned when a draw finds no free share.
	ErrPoolExhausted = errors.New("dkg share pool exhausted")

	// ErrAlreadyBound is returned when an insert-unique binding already
	// exists for a different share.
	ErrAlreadyBound = errors.New("user already bound to a share")
)

// Binding identifies the owner of a drawn share. Two shares exist per rune:
// the issuer share controlling wrapped supply and per-user deposit shares.
type Binding struct {
	UserUUID uuid.UUID
	RuneID   string
	IsIssuer bool
}

// PoolStore is the durable backing of the share pool. Implementations must
// make Draw transactional: concurrent draws never hand out the same share.
type PoolStore interface {
	// InsertShare adds a pre-generated share to the pool.
	InsertShare(ctx context.Context, share *Share) error

	// CountFree returns the number of unbound shares.
	CountFree(ctx context.Context) (int, error)

	// Draw binds the next free share to the given owner and returns it.
	// A repeated draw for the same binding returns the already-bound
	// share, which is what makes address issuance idempotent.
	Draw(ctx context.Context, binding Binding) (*Share, error)

	// ShareByBinding returns the share bound to the owner, if any.
	ShareByBinding(ctx context.Context, binding Binding) (*Share, error)

	// ShareByID returns a share by its ceremony id.
	ShareByID(ctx context.Context, id uuid.UUID) (*Share, error)
}

// Pool is the process-wide share pool handle. It serializes draws with a
// single lock on top of the store's transactionality, per the ordering
// contract for session creation.
type Pool struct {
	store PoolStore
	mu    sync.Mutex
}

// NewPool wraps a PoolStore.
func NewPool(store PoolStore) *Pool {
	return &Pool{store: store}
}

// Draw allocates (or re-returns) the share bound to the given owner.
func (p *Pool) Draw(ctx context.Context, binding Binding) (*Share, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.store.Draw(ctx, binding)
}

// Lookup returns the share already bound to the owner.
func (p *Pool) Lookup(ctx context.Context, binding Binding) (*Share, error) {
	return p.store.ShareByBinding(ctx, binding)
}

// LookupByID returns a share by ceremony id.
func (p *Pool) LookupByID(ctx context.Context, id uuid.UUID) (*Share, error) {
	return p.store.ShareByID(ctx, id)
}

// FreeCount reports how many unbound shares remain, for replenishment
// monitoring.
func (p *Pool) FreeCount(ctx context.Context) (int, error) {
	return p.store.CountFree(ctx)
}

// Insert adds a pre-generated share to the pool.
func (p *Pool) Insert(ctx context.Context, share *Share) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.store.InsertShare(ctx, share)
}
