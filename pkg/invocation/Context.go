package invocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/blob"
)

type contextKeyType struct{}

var contextKey contextKeyType

// Context is the per-invocation dependency surface handed to action code:
// the invocation ID, a logger whose entries are captured into the invocation
// log, the cooperative cancel event, link building and blob creation.
//
// It embeds a context.Context carrying itself as a value, so helpers deeper
// in the call stack can recover it with FromContext.
type Context struct {
	context.Context
	manager *Manager
	inv     *Invocation
	cancel  *CancelEvent
	logger  *logrus.Entry
}

// FromContext returns the invocation context carried by a context.Context.
// When invocation contexts nest (an action calling another Thing's method
// directly), the innermost one wins and the outer one is visible again after
// the inner call returns.
func FromContext(ctx context.Context) (*Context, bool) {
	ictx, found := ctx.Value(contextKey).(*Context)
	return ictx, found
}

// ID of the invocation this context belongs to
func (ictx *Context) ID() uuid.UUID {
	return ictx.inv.id
}

// Logger returns a logger whose entries are captured into the invocation log
// in addition to the normal log output
func (ictx *Context) Logger() *logrus.Entry {
	return ictx.logger
}

// Sleep waits for the duration, interrupted by cancellation.
// Returns ErrCancelled when the invocation is cancelled during the wait;
// action code must propagate it.
func (ictx *Context) Sleep(duration time.Duration) error {
	return ictx.cancel.Sleep(duration)
}

// RaiseIfCancelled returns ErrCancelled if the invocation has been cancelled,
// nil otherwise. Use it as a checkpoint inside loops that don't sleep.
func (ictx *Context) RaiseIfCancelled() error {
	return ictx.cancel.RaiseIfCancelled()
}

// Cancelled peeks at the cancel flag without consuming it
func (ictx *Context) Cancelled() bool {
	return ictx.cancel.IsSet()
}

// URLFor resolves a server-relative path into a link usable in results
func (ictx *Context) URLFor(path string) string {
	if ictx.manager == nil || ictx.manager.urlFor == nil {
		return path
	}
	return ictx.manager.urlFor(path)
}

// NewBlob creates an in-memory blob owned by this invocation. The blob is
// downloadable until the invocation expires.
func (ictx *Context) NewBlob(mediaType string, data []byte) *blob.Blob {
	b := blob.New(mediaType, data)
	ictx.register(b)
	return b
}

// NewBlobFromFile creates a file-backed blob owned by this invocation
func (ictx *Context) NewBlobFromFile(mediaType string, filePath string) (*blob.Blob, error) {
	b, err := blob.FromFile(mediaType, filePath)
	if err != nil {
		return nil, err
	}
	ictx.register(b)
	return b, nil
}

func (ictx *Context) register(b *blob.Blob) {
	if ictx.manager != nil && ictx.manager.blobs != nil {
		ictx.manager.blobs.Register(ictx.inv.id, b)
	}
}

// Task is a helper goroutine spawned from an action via Go. The child shares
// the parent's invocation identity and log capture but has its own cancel
// event; cancelling the parent does not cancel the child unless the parent
// waits with JoinAndPropagateCancel.
type Task struct {
	parent *Context
	child  *Context
	done   chan struct{}
	err    error
}

// Go runs fn on its own goroutine with a child invocation context.
// A panic inside fn is recovered into the task error.
func (ictx *Context) Go(fn func(*Context) error) *Task {
	child := &Context{
		manager: ictx.manager,
		inv:     ictx.inv,
		cancel:  NewCancelEvent(),
		logger:  ictx.logger,
	}
	child.Context = context.WithValue(ictx.Context, contextKey, child)

	task := &Task{
		parent: ictx,
		child:  child,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				task.err = recoveredError(r)
			}
		}()
		task.err = fn(child)
	}()
	return task
}

// Join waits for the task and returns its error
func (task *Task) Join() error {
	<-task.done
	return task.err
}

// JoinAndPropagateCancel waits for the task; if the parent invocation is
// cancelled during the wait, the cancellation is propagated to the task's
// own cancel event and the wait continues until the task finishes.
func (task *Task) JoinAndPropagateCancel() error {
	for {
		waitCh := task.parent.cancel.waitChan()
		if task.parent.cancel.IsSet() {
			task.child.cancel.Set()
			<-task.done
			return task.err
		}
		select {
		case <-task.done:
			return task.err
		case <-waitCh:
			// re-check: the flag may have been consumed by another waiter
		}
	}
}
