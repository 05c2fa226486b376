package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/blob"
	"github.com/labthings/labthings-go/pkg/observe"
)

// ErrNotFound when an invocation ID is unknown or already purged
var ErrNotFound = errors.New("no such invocation")

// ErrNotCancellable when cancelling an invocation that already finished
var ErrNotCancellable = errors.New("invocation is not pending or running")

// ErrOutputNotReady when requesting output of an invocation that has none
var ErrOutputNotReady = errors.New("invocation has no output")

// Failure is an expected, non-fatal action error. Actions return it (possibly
// wrapped) for failures that are part of normal operation; it is recorded in
// the invocation log without a traceback. Any other error is treated as
// unexpected and logged with its cause chain.
type Failure struct {
	message string
}

// Failf builds an expected action failure
func Failf(format string, args ...interface{}) *Failure {
	return &Failure{message: fmt.Sprintf(format, args...)}
}

func (f *Failure) Error() string {
	return f.message
}

// Runner is the action-side contract the manager drives. Implemented by
// action descriptors.
type Runner interface {
	// ThingName of the owning Thing
	ThingName() string
	// ActionName as declared on the Thing
	ActionName() string
	// ActionHref is the action's endpoint path, {thing.path}{action}
	ActionHref() string
	// Retention is how long terminal invocations stay queryable; 0 selects
	// DefaultRetention
	Retention() time.Duration
	// Run executes the action body with the already validated input
	Run(ictx *Context, rawInput json.RawMessage) (interface{}, error)
}

// Manager tracks all invocations of one server under a single mutex and runs
// each action body on its own worker goroutine.
type Manager struct {
	mu          sync.Mutex
	invocations map[uuid.UUID]*Invocation

	bus    *observe.Bus
	blobs  *blob.Manager
	urlFor func(path string) string
	wg     sync.WaitGroup
}

// NewManager creates an invocation manager publishing status transitions on
// the given bus and registering action blobs with the given blob manager.
// Both may be nil for standalone use.
func NewManager(bus *observe.Bus, blobs *blob.Manager) *Manager {
	enableCapture()
	return &Manager{
		invocations: make(map[uuid.UUID]*Invocation),
		bus:         bus,
		blobs:       blobs,
	}
}

// SetURLBuilder installs the link builder used by Context.URLFor
func (m *Manager) SetURLBuilder(urlFor func(path string) string) {
	m.urlFor = urlFor
}

// Invoke creates a pending invocation for the runner, publishes its status
// and hands it to a worker goroutine. The input must already be validated.
func (m *Manager) Invoke(runner Runner, rawInput json.RawMessage) *Invocation {
	inv := newInvocation(runner, rawInput)
	m.mu.Lock()
	m.invocations[inv.id] = inv
	m.mu.Unlock()
	registerCapture(inv)

	logrus.Infof("Manager.Invoke: invocation %s is pending", inv)
	m.publishStatus(inv)
	m.wg.Add(1)
	go m.run(runner, inv)
	return inv
}

// run is the worker: pending → running → terminal, publishing every
// transition and scheduling the retention sweep at the end.
func (m *Manager) run(runner Runner, inv *Invocation) {
	defer m.wg.Done()

	ictx := m.newContext(inv)
	inv.markRunning()
	m.publishStatus(inv)

	var output interface{}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				inv.appendLog(LogRecord{
					Message:       fmt.Sprintf("action panicked: %v", r),
					LevelName:     "ERROR",
					LevelNo:       40,
					Created:       time.Now(),
					ExceptionType: fmt.Sprintf("%T", r),
					Traceback:     string(debug.Stack()),
				})
				logrus.Errorf("Manager.run: invocation %s panicked: %v", inv, r)
				err = recoveredError(r)
			}
		}()
		output, err = runner.Run(ictx, inv.rawInput)
	}()

	switch {
	case err == nil:
		inv.markCompleted(output)
		logrus.Infof("Manager.run: invocation %s completed", inv)
	case errors.Is(err, ErrCancelled):
		ictx.Logger().Info("invocation cancelled")
		inv.markCancelled()
	default:
		var failure *Failure
		if errors.As(err, &failure) {
			// expected failure, record without traceback
			ictx.Logger().Error(err.Error())
		} else {
			inv.appendLog(LogRecord{
				Message:       err.Error(),
				LevelName:     "ERROR",
				LevelNo:       40,
				Created:       time.Now(),
				ExceptionType: fmt.Sprintf("%T", err),
				Traceback:     errorChain(err),
			})
			logrus.Errorf("Manager.run: invocation %s failed: %s", inv, err)
		}
		inv.markError()
	}

	m.publishStatus(inv)
	unregisterCapture(inv.id)

	// purge once the retention window has passed; the margin keeps the sweep
	// strictly after the expiry instant
	time.AfterFunc(inv.retention+time.Second, func() {
		m.Sweep(time.Now())
	})
}

func (m *Manager) newContext(inv *Invocation) *Context {
	ictx := &Context{
		manager: m,
		inv:     inv,
		cancel:  inv.cancel,
		logger:  logrus.WithField(FieldInvocationID, inv.id),
	}
	ictx.Context = context.WithValue(context.Background(), contextKey, ictx)
	return ictx
}

func (m *Manager) publishStatus(inv *Invocation) {
	if m.bus == nil {
		return
	}
	err := m.bus.PublishAction(inv.thingName, inv.actionName, inv.Record(false))
	if err != nil && !errors.Is(err, observe.ErrServerNotRunning) {
		logrus.Warningf("Manager.publishStatus: cannot publish status of %s: %s", inv, err)
	}
}

// Get returns a live invocation, or nil if the ID is unknown
func (m *Manager) Get(invocationID uuid.UUID) *Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invocations[invocationID]
}

// GetRecord returns the full record of one invocation, log included
func (m *Manager) GetRecord(invocationID uuid.UUID) (*Record, error) {
	inv := m.Get(invocationID)
	if inv == nil {
		return nil, ErrNotFound
	}
	return inv.Record(true), nil
}

// List returns compact records (no log), oldest first, optionally filtered
// by thing and action name. Empty filters match everything.
func (m *Manager) List(thingName string, actionName string) []*Record {
	m.mu.Lock()
	invs := make([]*Invocation, 0, len(m.invocations))
	for _, inv := range m.invocations {
		if thingName != "" && inv.thingName != thingName {
			continue
		}
		if actionName != "" && inv.actionName != actionName {
			continue
		}
		invs = append(invs, inv)
	}
	m.mu.Unlock()

	sort.Slice(invs, func(i, j int) bool {
		return invs[i].requestTime.Before(invs[j].requestTime)
	})
	records := make([]*Record, len(invs))
	for i, inv := range invs {
		records[i] = inv.Record(false)
	}
	return records
}

// Cancel sets the cancel event of a pending or running invocation.
// The status becomes cancelled only once the action cooperates.
func (m *Manager) Cancel(invocationID uuid.UUID) (*Invocation, error) {
	inv := m.Get(invocationID)
	if inv == nil {
		return nil, ErrNotFound
	}
	if !inv.Cancellable() {
		return nil, ErrNotCancellable
	}
	logrus.Infof("Manager.Cancel: cancelling invocation %s", inv)
	inv.cancel.Set()
	return inv, nil
}

// Output returns the return value of a completed invocation.
// ErrNotFound for unknown IDs; ErrOutputNotReady while not terminal or when
// the action returned nothing.
func (m *Manager) Output(invocationID uuid.UUID) (interface{}, error) {
	inv := m.Get(invocationID)
	if inv == nil {
		return nil, ErrNotFound
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.status.Terminal() || inv.returnValue == nil {
		return nil, ErrOutputNotReady
	}
	return inv.returnValue, nil
}

// Sweep removes invocations whose expiry time has passed, releasing their
// blobs. Returns the number removed. Runs opportunistically after every
// completed invocation's retention window.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Invocation
	for id, inv := range m.invocations {
		if inv.Expired(now) {
			delete(m.invocations, id)
			expired = append(expired, inv)
		}
	}
	m.mu.Unlock()

	for _, inv := range expired {
		unregisterCapture(inv.id)
		if m.blobs != nil {
			m.blobs.ReleaseInvocation(inv.id)
		}
	}
	if len(expired) > 0 {
		logrus.Infof("Manager.Sweep: purged %d expired invocations", len(expired))
	}
	return len(expired)
}

// Shutdown waits for running workers to finish, up to the context deadline
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recoveredError(r interface{}) error {
	if err, valid := r.(error); valid {
		return fmt.Errorf("action panic: %w", err)
	}
	return fmt.Errorf("action panic: %v", r)
}
