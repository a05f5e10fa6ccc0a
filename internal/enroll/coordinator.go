package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/glinharesb/yubihsm-enroll/internal/catalog"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
)

// ErrAlreadyConnected is returned by Submit once an enrollment completed.
var ErrAlreadyConnected = errors.New("hardware key already connected")

type State int

const (
	StateUnknown State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is the externally visible coordinator state. Failure holds the
// reason the last submit failed; it is cleared by the next submit.
type Status struct {
	State   State
	Busy    bool
	Failure error
}

// Coordinator drives one enrollment: refresh the key list, select a key,
// submit. At most one submit runs at a time.
type Coordinator struct {
	catalog *catalog.Catalog
	deriver *Deriver
	router  *Router
	timeout time.Duration
	log     *slog.Logger

	busy atomic.Bool

	mu      sync.RWMutex
	state   State
	failure error
}

type Option func(*Coordinator)

// WithSubmitTimeout bounds a whole submit. Zero disables the bound.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func NewCoordinator(cat *catalog.Catalog, d *Deriver, r *Router, opts ...Option) *Coordinator {
	c := &Coordinator{catalog: cat, deriver: d, router: r, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Catalog() *catalog.Catalog { return c.catalog }

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Busy: c.busy.Load(), Failure: c.failure}
}

// RefreshKeys reloads the key list for a changed viewing credential. A
// response superseded by a later refresh returns catalog.ErrStale.
func (c *Coordinator) RefreshKeys(ctx context.Context, viewAuthKeyID, viewPassword string) (*catalog.Snapshot, error) {
	snap, err := c.catalog.Refresh(ctx, viewAuthKeyID, viewPassword)
	if err != nil && !errors.Is(err, catalog.ErrStale) {
		c.log.Warn("key list unavailable", "kind", fault.KindOf(err), "error", fault.Message(err))
	}
	return snap, err
}

// Toggle flips the selection of objectID in the current key list.
func (c *Coordinator) Toggle(objectID uint16) (catalog.Selection, error) {
	return c.catalog.Toggle(objectID)
}

// Submit derives a credential for the selected key and routes it. A submit
// while another is in flight fails with fault.KindBusy. On failure the
// state stays StateUnknown and the reason is kept in Status.Failure.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Credential, error) {
	if c.Status().State == StateConnected {
		return Credential{}, &fault.Error{Op: fault.OpSubmit, Kind: fault.KindValidation, Msg: ErrAlreadyConnected.Error(), Err: ErrAlreadyConnected}
	}
	if !c.busy.CompareAndSwap(false, true) {
		return Credential{}, fault.New(fault.OpSubmit, fault.KindBusy, "an enrollment is already in progress")
	}
	defer c.busy.Store(false)

	c.setFailure(nil)

	cred, err := c.submit(ctx, req)
	if err != nil {
		c.log.Error("enrollment failed", "op", fault.OpOf(err), "kind", fault.KindOf(err), "error", fault.Message(err))
		c.mu.Lock()
		c.state = StateUnknown
		c.failure = err
		c.mu.Unlock()
		return Credential{}, err
	}
	c.log.Info("enrollment complete", "app", cred.App, "object_id", cred.ObjectID, "auth_key_id", cred.AuthKeyID)
	return cred, nil
}

func (c *Coordinator) submit(ctx context.Context, req Request) (Credential, error) {
	if err := checkMode(req.Mode); err != nil {
		return Credential{}, err
	}
	entry, ok := c.catalog.Selected()
	if !ok {
		return Credential{}, fault.New(fault.OpSubmit, fault.KindValidation, "no key selected")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cred, err := c.deriver.Derive(ctx, req.Params, entry.ObjectID)
	if err != nil {
		return Credential{}, err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.router.Complete(ctx, req.Mode, cred); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Credential{}, &fault.Error{Op: fault.OpSubmit, Kind: fault.KindTimeout, Msg: fmt.Sprintf("enrollment did not finish within %s", c.timeout), Err: err}
		}
		return Credential{}, err
	}
	return cred, nil
}

func (c *Coordinator) setFailure(err error) {
	c.mu.Lock()
	c.failure = err
	c.mu.Unlock()
}
