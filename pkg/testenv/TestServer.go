// Package testenv with Things and helpers for testing a labthings server.
//
// The Things here are small but exercise the full affordance surface:
// CounterThing has a read-only observable property, a fast action and a slow
// cancellable one; GreeterThing has a persisted setting; AskerThing connects
// to a GreeterThing through a slot.
package testenv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/labthings/labthings-go/pkg/action"
	"github.com/labthings/labthings-go/pkg/config"
	"github.com/labthings/labthings-go/pkg/invocation"
	"github.com/labthings/labthings-go/pkg/property"
	"github.com/labthings/labthings-go/pkg/server"
	"github.com/labthings/labthings-go/pkg/thing"
)

// CounterThing counts invocations. The count is read-only over HTTP but
// observable; increment and slow_increment change it.
type CounterThing struct {
	thing.Base
	Count         *property.Data[int]
	Increment     *action.Descriptor
	SlowIncrement *action.Descriptor

	mu sync.Mutex
}

// IncrementInput selects how much to add
type IncrementInput struct {
	Amount int `json:"amount,omitempty" jsonschema:"default=1,minimum=1"`
}

// SlowIncrementInput selects how long the slow increment takes
type SlowIncrementInput struct {
	// Seconds to spend before incrementing
	Seconds float64 `json:"seconds,omitempty" jsonschema:"default=2"`
}

// NewCounterThing creates a counter starting at 0
func NewCounterThing() *CounterThing {
	ct := &CounterThing{}
	ct.SetTitle("Counter")
	ct.SetDescription("A counter for testing affordances")
	ct.Count = property.MustData("count", 0,
		property.ReadOnly(), property.Title("Count"))
	ct.Increment = action.Must("increment", ct.increment,
		action.Title("Increment"))
	ct.SlowIncrement = action.Must("slow_increment", ct.slowIncrement,
		action.Title("Increment slowly"))
	return ct
}

// Add increments the counter by amount and returns the new count
func (ct *CounterThing) Add(amount int) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	value := ct.Count.Get() + amount
	// the store happens even when no server is serving yet
	_ = ct.Count.Set(value)
	return value
}

func (ct *CounterThing) increment(ictx *invocation.Context, input IncrementInput) (int, error) {
	ictx.Logger().Infof("incrementing by %d", input.Amount)
	return ct.Add(input.Amount), nil
}

// slowIncrement sleeps cooperatively in 100 ms steps so cancellation is
// picked up quickly
func (ct *CounterThing) slowIncrement(ictx *invocation.Context, input SlowIncrementInput) (int, error) {
	steps := int(input.Seconds * 10)
	for i := 0; i < steps; i++ {
		if err := ictx.Sleep(100 * time.Millisecond); err != nil {
			return 0, err
		}
	}
	return ct.Add(1), nil
}

// GreeterThing greets, using a persisted greeting setting
type GreeterThing struct {
	thing.Base
	Greeting *property.Setting[string]
	SayHello *action.Descriptor
}

// HelloInput names who to greet
type HelloInput struct {
	Name string `json:"name,omitempty" jsonschema:"default=world"`
}

// NewGreeterThing creates a greeter with the default greeting
func NewGreeterThing() *GreeterThing {
	gt := &GreeterThing{}
	gt.SetTitle("Greeter")
	gt.Greeting = property.MustSetting("greeting", "Hello",
		property.Title("Greeting"))
	gt.SayHello = action.Must("say_hello", gt.sayHello,
		action.Title("Say hello"))
	return gt
}

// Hello builds a greeting. Other Things call this directly through a slot.
func (gt *GreeterThing) Hello(name string) string {
	return fmt.Sprintf("%s, %s!", gt.Greeting.Get(), name)
}

func (gt *GreeterThing) sayHello(ictx *invocation.Context, input HelloInput) (string, error) {
	return gt.Hello(input.Name), nil
}

// AskerThing depends on a GreeterThing through a slot
type AskerThing struct {
	thing.Base
	Greeter *thing.One[*GreeterThing]
	Ask     *action.Descriptor
}

// NewAskerThing creates an asker whose greeter is found by type
func NewAskerThing() *AskerThing {
	at := &AskerThing{}
	at.SetTitle("Asker")
	at.Greeter = thing.Slot[*GreeterThing]()
	at.Ask = action.Must("ask", at.ask, action.Title("Ask the greeter"))
	return at
}

func (at *AskerThing) ask(ictx *invocation.Context, input HelloInput) (string, error) {
	return at.Greeter.Get().Hello(input.Name), nil
}

// NewTestConfig returns a server configuration rooted in the given folder,
// typically t.TempDir()
func NewTestConfig(homeFolder string) *config.ServerConfig {
	cfg := config.CreateServerConfig(homeFolder)
	cfg.Port = 0
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("test config: %s", err))
	}
	return cfg
}

// StartTestServer runs Setup on the server and serves its handler through an
// httptest server. The base URL is set to the test server's URL so TDs and
// invocation links resolve. Callers close the httptest server and call
// Shutdown themselves.
func StartTestServer(srv *server.Server) (*httptest.Server, error) {
	if err := srv.Setup(); err != nil {
		return nil, err
	}
	ts := httptest.NewServer(srv.Handler())
	srv.SetBaseURL(ts.URL)
	return ts, nil
}

// HTTPRequest performs a request against the test server and decodes the
// JSON response into result (when result is not nil). Returns the status.
func HTTPRequest(ts *httptest.Server, method string, path string,
	body interface{}, result interface{}) (int, error) {

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if result != nil && len(raw) > 0 {
		if err = json.Unmarshal(raw, result); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response of %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// HTTPGet is HTTPRequest with method GET and no body
func HTTPGet(ts *httptest.Server, path string, result interface{}) (int, error) {
	return HTTPRequest(ts, http.MethodGet, path, nil, result)
}

// HTTPPut is HTTPRequest with method PUT
func HTTPPut(ts *httptest.Server, path string, body interface{}, result interface{}) (int, error) {
	return HTTPRequest(ts, http.MethodPut, path, body, result)
}

// HTTPPost is HTTPRequest with method POST
func HTTPPost(ts *httptest.Server, path string, body interface{}, result interface{}) (int, error) {
	return HTTPRequest(ts, http.MethodPost, path, body, result)
}

// HTTPDelete is HTTPRequest with method DELETE and no body
func HTTPDelete(ts *httptest.Server, path string, result interface{}) (int, error) {
	return HTTPRequest(ts, http.MethodDelete, path, nil, result)
}
