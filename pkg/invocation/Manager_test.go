package invocation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labthings/labthings-go/pkg/blob"
	"github.com/labthings/labthings-go/pkg/invocation"
	"github.com/labthings/labthings-go/pkg/observe"
)

// testRunner is a minimal Runner for driving the manager directly
type testRunner struct {
	name      string
	retention time.Duration
	run       func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error)
}

func (r *testRunner) ThingName() string         { return "thing1" }
func (r *testRunner) ActionName() string        { return r.name }
func (r *testRunner) ActionHref() string        { return "/thing1/" + r.name }
func (r *testRunner) Retention() time.Duration  { return r.retention }
func (r *testRunner) Run(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
	return r.run(ictx, raw)
}

func waitStatus(t *testing.T, inv *invocation.Invocation, status invocation.Status) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if inv.Status() == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("invocation %s did not reach status %s, is %s", inv.ID(), status, inv.Status())
}

func TestInvokeCompletes(t *testing.T) {
	logrus.Infof("--- TestInvokeCompletes ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "work", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		return 42, nil
	}}
	inv := m.Invoke(runner, json.RawMessage(`{"a": 1}`))
	waitStatus(t, inv, invocation.StatusCompleted)

	output, err := m.Output(inv.ID())
	require.NoError(t, err)
	assert.Equal(t, 42, output)

	record, err := m.GetRecord(inv.ID())
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusCompleted, record.Status)
	assert.Equal(t, "/thing1/work", record.Action)
	assert.NotNil(t, record.TimeRequested)
	assert.NotNil(t, record.TimeCompleted)
	assert.Equal(t, map[string]interface{}{"a": 1.0}, record.Input)
}

func TestInvokeError(t *testing.T) {
	logrus.Infof("--- TestInvokeError ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "fail", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		return nil, errors.New("hardware is on fire")
	}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusError)

	// unexpected errors carry a traceback in the log
	record, err := m.GetRecord(inv.ID())
	require.NoError(t, err)
	require.NotEmpty(t, record.Log)
	last := record.Log[len(record.Log)-1]
	assert.Equal(t, "hardware is on fire", last.Message)
	assert.NotEmpty(t, last.ExceptionType)
}

func TestInvokeExpectedFailure(t *testing.T) {
	logrus.Infof("--- TestInvokeExpectedFailure ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "fail", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		return nil, invocation.Failf("sample %d is empty", 3)
	}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusError)

	// expected failures are logged without a traceback
	record, err := m.GetRecord(inv.ID())
	require.NoError(t, err)
	require.NotEmpty(t, record.Log)
	last := record.Log[len(record.Log)-1]
	assert.Equal(t, "sample 3 is empty", last.Message)
	assert.Empty(t, last.Traceback)
}

func TestInvokePanicBecomesError(t *testing.T) {
	logrus.Infof("--- TestInvokePanicBecomesError ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "panic", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		panic("unexpected")
	}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusError)

	record, err := m.GetRecord(inv.ID())
	require.NoError(t, err)
	require.NotEmpty(t, record.Log)
	assert.Contains(t, record.Log[0].Message, "panicked")
	assert.NotEmpty(t, record.Log[0].Traceback)
}

func TestCancel(t *testing.T) {
	logrus.Infof("--- TestCancel ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "slow", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		for {
			if err := ictx.Sleep(50 * time.Millisecond); err != nil {
				return nil, err
			}
		}
	}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusRunning)

	_, err := m.Cancel(inv.ID())
	require.NoError(t, err)
	waitStatus(t, inv, invocation.StatusCancelled)

	// a terminal invocation cannot be cancelled again
	_, err = m.Cancel(inv.ID())
	assert.ErrorIs(t, err, invocation.ErrNotCancellable)
}

func TestCancelConsumeOnRaise(t *testing.T) {
	logrus.Infof("--- TestCancelConsumeOnRaise ---")

	event := invocation.NewCancelEvent()
	assert.NoError(t, event.RaiseIfCancelled())

	event.Set()
	assert.True(t, event.IsSet())
	// the first checkpoint consumes the flag
	assert.ErrorIs(t, event.RaiseIfCancelled(), invocation.ErrCancelled)
	assert.NoError(t, event.RaiseIfCancelled())

	// a set event interrupts a sleep immediately
	event.Set()
	started := time.Now()
	assert.ErrorIs(t, event.Sleep(10*time.Second), invocation.ErrCancelled)
	assert.Less(t, time.Since(started), time.Second)
}

func TestOutputNotReady(t *testing.T) {
	logrus.Infof("--- TestOutputNotReady ---")

	release := make(chan struct{})
	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "work", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		<-release
		return "done", nil
	}}
	inv := m.Invoke(runner, nil)

	_, err := m.Output(inv.ID())
	assert.ErrorIs(t, err, invocation.ErrOutputNotReady)
	close(release)
	waitStatus(t, inv, invocation.StatusCompleted)
	output, err := m.Output(inv.ID())
	require.NoError(t, err)
	assert.Equal(t, "done", output)

	_, err = m.Output(uuid.New())
	assert.ErrorIs(t, err, invocation.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	logrus.Infof("--- TestListFilters ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "work", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		return nil, nil
	}}
	first := m.Invoke(runner, nil)
	second := m.Invoke(runner, nil)
	waitStatus(t, first, invocation.StatusCompleted)
	waitStatus(t, second, invocation.StatusCompleted)

	all := m.List("", "")
	require.Len(t, all, 2)
	// oldest first
	assert.Equal(t, first.ID(), all[0].ID)
	assert.Equal(t, second.ID(), all[1].ID)

	assert.Len(t, m.List("thing1", "work"), 2)
	assert.Empty(t, m.List("thing1", "other"))
	assert.Empty(t, m.List("nosuch", ""))
}

func TestSweepReleasesBlobs(t *testing.T) {
	logrus.Infof("--- TestSweepReleasesBlobs ---")

	blobs := blob.NewManager()
	m := invocation.NewManager(nil, blobs)
	runner := &testRunner{name: "scan", retention: 50 * time.Millisecond,
		run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
			return ictx.NewBlob("image/png", []byte("fake png")), nil
		}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusCompleted)
	assert.Equal(t, 1, blobs.Count())

	// past the retention window the sweep purges invocation and blob
	removed := m.Sweep(time.Now().Add(time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, blobs.Count())
	_, err := m.GetRecord(inv.ID())
	assert.ErrorIs(t, err, invocation.ErrNotFound)
}

func TestLogCapture(t *testing.T) {
	logrus.Infof("--- TestLogCapture ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "chatty", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		ictx.Logger().Info("step one")
		ictx.Logger().Warn("step two")
		return nil, nil
	}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusCompleted)

	record, err := m.GetRecord(inv.ID())
	require.NoError(t, err)
	messages := make([]string, 0, len(record.Log))
	levels := make([]string, 0, len(record.Log))
	for _, entry := range record.Log {
		messages = append(messages, entry.Message)
		levels = append(levels, entry.LevelName)
	}
	assert.Contains(t, messages, "step one")
	assert.Contains(t, messages, "step two")
	assert.Contains(t, levels, "WARNING")
}

func TestPublishOnBus(t *testing.T) {
	logrus.Infof("--- TestPublishOnBus ---")

	bus := observe.NewBus()
	bus.Start()
	sub := observe.NewSubscriber("test")
	bus.Subscribe(observe.ActionKey("thing1", "work"), sub)

	m := invocation.NewManager(bus, nil)
	runner := &testRunner{name: "work", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		return nil, nil
	}}
	inv := m.Invoke(runner, nil)
	waitStatus(t, inv, invocation.StatusCompleted)

	// every transition is published: pending, running, completed
	statuses := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case message := <-sub.C():
			var decoded struct {
				MessageType string             `json:"messageType"`
				Data        *invocation.Record `json:"data"`
			}
			require.NoError(t, json.Unmarshal(message, &decoded))
			assert.Equal(t, "actionStatus", decoded.MessageType)
			statuses = append(statuses, string(decoded.Data.Status))
		case <-time.After(time.Second):
			t.Fatal("missing actionStatus message")
		}
	}
	assert.Equal(t, []string{"pending", "running", "completed"}, statuses)
}

func TestTaskJoinAndPropagateCancel(t *testing.T) {
	logrus.Infof("--- TestTaskJoinAndPropagateCancel ---")

	m := invocation.NewManager(nil, nil)
	childStarted := make(chan struct{})
	runner := &testRunner{name: "parent", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		task := ictx.Go(func(child *invocation.Context) error {
			close(childStarted)
			for {
				if err := child.Sleep(50 * time.Millisecond); err != nil {
					return err
				}
			}
		})
		return nil, task.JoinAndPropagateCancel()
	}}
	inv := m.Invoke(runner, nil)
	<-childStarted

	_, err := m.Cancel(inv.ID())
	require.NoError(t, err)
	// the parent propagates its cancellation into the child and the whole
	// invocation ends cancelled
	waitStatus(t, inv, invocation.StatusCancelled)
}

func TestShutdownWaitsForWorkers(t *testing.T) {
	logrus.Infof("--- TestShutdownWaitsForWorkers ---")

	m := invocation.NewManager(nil, nil)
	runner := &testRunner{name: "slow", run: func(ictx *invocation.Context, raw json.RawMessage) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}}
	inv := m.Invoke(runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, inv.Status().Terminal())

	// a deadline that passes before the worker finishes is reported
	m2 := invocation.NewManager(nil, nil)
	m2.Invoke(runner, nil)
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()
	assert.Error(t, m2.Shutdown(shortCtx))
}
