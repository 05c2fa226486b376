package invocation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an invocation. Progression is pending → running → one of
// completed, cancelled or error; a terminal status never changes again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal returns whether the status is final
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// DefaultRetention is how long a terminal invocation stays queryable
const DefaultRetention = 300 * time.Second

// DefaultMaxLogSize bounds the per-invocation log ring
const DefaultMaxLogSize = 1000

// LogRecord is one captured log entry of an invocation
type LogRecord struct {
	Message       string    `json:"message"`
	LevelName     string    `json:"level_name"`
	LevelNo       int       `json:"level_no"`
	LineNo        int       `json:"line_no"`
	Filename      string    `json:"filename"`
	Created       time.Time `json:"created"`
	ExceptionType string    `json:"exception_type,omitempty"`
	Traceback     string    `json:"traceback,omitempty"`
}

// Link relates an invocation record to its resources
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// Record is the serializable snapshot of an invocation as returned by the
// HTTP endpoints and published on the observation bus.
type Record struct {
	ID            uuid.UUID   `json:"id"`
	Status        Status      `json:"status"`
	Action        string      `json:"action"`
	Href          string      `json:"href"`
	TimeRequested *time.Time  `json:"timeRequested"`
	TimeStarted   *time.Time  `json:"timeStarted"`
	TimeCompleted *time.Time  `json:"timeCompleted"`
	Input         interface{} `json:"input"`
	Output        interface{} `json:"output"`
	Log           []LogRecord `json:"log,omitempty"`
	Links         []Link      `json:"links"`
}

// Invocation is one execution of an action. All mutable state is guarded by
// its own mutex; the manager never holds its registry lock while touching an
// invocation.
type Invocation struct {
	id         uuid.UUID
	thingName  string
	actionName string
	actionHref string
	input      interface{}
	rawInput   json.RawMessage
	retention  time.Duration
	maxLogSize int
	cancel     *CancelEvent

	mu          sync.Mutex
	status      Status
	requestTime time.Time
	startTime   time.Time
	endTime     time.Time
	expiryTime  time.Time
	returnValue interface{}
	log         []LogRecord
}

func newInvocation(runner Runner, rawInput json.RawMessage) *Invocation {
	retention := runner.Retention()
	if retention <= 0 {
		retention = DefaultRetention
	}
	var input interface{}
	if len(rawInput) > 0 {
		_ = json.Unmarshal(rawInput, &input)
	}
	return &Invocation{
		id:          uuid.New(),
		thingName:   runner.ThingName(),
		actionName:  runner.ActionName(),
		actionHref:  runner.ActionHref(),
		input:       input,
		rawInput:    rawInput,
		retention:   retention,
		maxLogSize:  DefaultMaxLogSize,
		cancel:      NewCancelEvent(),
		status:      StatusPending,
		requestTime: time.Now(),
	}
}

// ID of the invocation
func (inv *Invocation) ID() uuid.UUID {
	return inv.id
}

// ThingName of the Thing whose action is running
func (inv *Invocation) ThingName() string {
	return inv.thingName
}

// ActionName of the invoked action
func (inv *Invocation) ActionName() string {
	return inv.actionName
}

// Status returns the current lifecycle status
func (inv *Invocation) Status() Status {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// CancelEvent returns the invocation's cooperative cancellation flag
func (inv *Invocation) CancelEvent() *CancelEvent {
	return inv.cancel
}

// Output returns the return value, which is nil until completion
func (inv *Invocation) Output() interface{} {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.returnValue
}

// Cancellable reports whether the invocation is still pending or running
func (inv *Invocation) Cancellable() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status == StatusPending || inv.status == StatusRunning
}

// Expired reports whether the invocation's retention window has passed
func (inv *Invocation) Expired(now time.Time) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return !inv.expiryTime.IsZero() && now.After(inv.expiryTime)
}

func (inv *Invocation) markRunning() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.status = StatusRunning
	inv.startTime = time.Now()
}

func (inv *Invocation) markCompleted(returnValue interface{}) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.returnValue = returnValue
	inv.markTerminalLocked(StatusCompleted)
}

func (inv *Invocation) markCancelled() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.markTerminalLocked(StatusCancelled)
}

func (inv *Invocation) markError() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.markTerminalLocked(StatusError)
}

func (inv *Invocation) markTerminalLocked(status Status) {
	inv.status = status
	inv.endTime = time.Now()
	inv.expiryTime = inv.endTime.Add(inv.retention)
}

// appendLog adds a record to the bounded log ring, dropping the oldest
// record when full
func (inv *Invocation) appendLog(record LogRecord) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.log) >= inv.maxLogSize {
		copy(inv.log, inv.log[1:])
		inv.log[len(inv.log)-1] = record
		return
	}
	inv.log = append(inv.log, record)
}

// Record snapshots the invocation for serialization. The log is included
// only when withLog is set; list endpoints and bus messages omit it.
func (inv *Invocation) Record(withLog bool) *Record {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	href := "/action_invocations/" + inv.id.String()
	record := &Record{
		ID:            inv.id,
		Status:        inv.status,
		Action:        inv.actionHref,
		Href:          href,
		TimeRequested: timeOrNil(inv.requestTime),
		TimeStarted:   timeOrNil(inv.startTime),
		TimeCompleted: timeOrNil(inv.endTime),
		Input:         inv.input,
		Output:        inv.returnValue,
		Links: []Link{
			{Rel: "self", Href: href},
			{Rel: "output", Href: href + "/output"},
		},
	}
	if withLog {
		record.Log = make([]LogRecord, len(inv.log))
		copy(record.Log, inv.log)
	}
	return record
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// String identifies the invocation in log messages
func (inv *Invocation) String() string {
	return fmt.Sprintf("%s (%s)", inv.id, inv.actionHref)
}
