// Package observe with the observation bus that fans out property, action and
// event status messages to WebSocket subscribers and protocol bridges.
package observe

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/vocab"
)

// ErrServerNotRunning when publishing before the server has started or after
// it has stopped
var ErrServerNotRunning = errors.New("server is not running")

// ErrNotObservable when subscribing to an affordance that cannot emit changes
var ErrNotObservable = errors.New("affordance is not observable")

// SubscriberBufferSize is the number of undelivered messages a subscriber can
// hold before further messages to it are dropped
const SubscriberBufferSize = 64

// Subscriber is one receiver of observation messages. Publishers never block
// on a subscriber: when its buffer is full, messages are dropped.
type Subscriber struct {
	owner   string
	c       chan []byte
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewSubscriber creates a subscriber. The owner label is only used in logging.
func NewSubscriber(owner string) *Subscriber {
	return &Subscriber{
		owner: owner,
		c:     make(chan []byte, SubscriberBufferSize),
	}
}

// C is the channel observation messages arrive on. It is closed by Close.
func (sub *Subscriber) C() <-chan []byte {
	return sub.c
}

// Close the subscriber. The bus drops closed subscribers on the next publish.
func (sub *Subscriber) Close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.c)
	}
}

// send delivers a message without blocking.
// Returns false if the subscriber is closed.
func (sub *Subscriber) send(message []byte) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.c <- message:
	default:
		if sub.dropped == 0 {
			logrus.Warningf("Subscriber.send: subscriber '%s' is not keeping up, dropping messages", sub.owner)
		}
		sub.dropped++
	}
	return true
}

// PropertyKey identifies a property affordance on the bus
func PropertyKey(thingName string, propName string) string {
	return "property/" + thingName + "/" + propName
}

// ActionKey identifies an action affordance on the bus
func ActionKey(thingName string, actionName string) string {
	return "action/" + thingName + "/" + actionName
}

// EventKey identifies an event affordance on the bus
func EventKey(thingName string, eventName string) string {
	return "event/" + thingName + "/" + eventName
}

// TapFunc receives every published message regardless of subscriptions.
// Taps feed protocol bridges such as MQTT.
type TapFunc func(thingName string, messageType string, name string, message []byte)

// Bus routes observation messages from affordances to their subscribers.
//
// Publishing is refused until Start is called; this surfaces attempts to emit
// state changes before the server is serving as ErrServerNotRunning.
type Bus struct {
	mu          sync.RWMutex
	running     bool
	subscribers map[string]map[*Subscriber]struct{}
	taps        []TapFunc
}

// NewBus creates an observation bus in the stopped state
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

// Start accepting publications
func (bus *Bus) Start() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.running = true
}

// Stop accepting publications and close all subscribers
func (bus *Bus) Stop() {
	bus.mu.Lock()
	subs := bus.subscribers
	bus.subscribers = make(map[string]map[*Subscriber]struct{})
	bus.running = false
	bus.mu.Unlock()

	closed := make(map[*Subscriber]struct{})
	for _, keySubs := range subs {
		for sub := range keySubs {
			if _, done := closed[sub]; !done {
				sub.Close()
				closed[sub] = struct{}{}
			}
		}
	}
}

// Running returns whether the bus accepts publications
func (bus *Bus) Running() bool {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return bus.running
}

// Tap registers a receiver for all published messages. Intended for protocol
// bridges; register taps before Start.
func (bus *Bus) Tap(tap TapFunc) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.taps = append(bus.taps, tap)
}

// Subscribe a subscriber to the affordance identified by key
func (bus *Bus) Subscribe(key string, sub *Subscriber) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	keySubs, found := bus.subscribers[key]
	if !found {
		keySubs = make(map[*Subscriber]struct{})
		bus.subscribers[key] = keySubs
	}
	keySubs[sub] = struct{}{}
}

// Unsubscribe a subscriber from one affordance
func (bus *Bus) Unsubscribe(key string, sub *Subscriber) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if keySubs, found := bus.subscribers[key]; found {
		delete(keySubs, sub)
		if len(keySubs) == 0 {
			delete(bus.subscribers, key)
		}
	}
}

// UnsubscribeAll removes a subscriber from every affordance it observes
func (bus *Bus) UnsubscribeAll(sub *Subscriber) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for key, keySubs := range bus.subscribers {
		delete(keySubs, sub)
		if len(keySubs) == 0 {
			delete(bus.subscribers, key)
		}
	}
}

// PublishProperty emits a propertyStatus message for a property write.
// The message is {"messageType":"propertyStatus","data":{name:value}}.
func (bus *Bus) PublishProperty(thingName string, propName string, value interface{}) error {
	payload := map[string]interface{}{propName: value}
	return bus.publish(PropertyKey(thingName, propName),
		thingName, vocab.MessageTypePropertyStatus, propName, payload)
}

// PublishAction emits an actionStatus message for an invocation transition.
// The record is the serializable invocation state.
func (bus *Bus) PublishAction(thingName string, actionName string, record interface{}) error {
	return bus.publish(ActionKey(thingName, actionName),
		thingName, vocab.MessageTypeActionStatus, actionName, record)
}

// PublishEvent emits an event message
func (bus *Bus) PublishEvent(thingName string, eventName string, data interface{}) error {
	payload := map[string]interface{}{eventName: data}
	return bus.publish(EventKey(thingName, eventName),
		thingName, vocab.MessageTypeEvent, eventName, payload)
}

func (bus *Bus) publish(key string, thingName string, messageType string, name string, payload interface{}) error {
	bus.mu.RLock()
	if !bus.running {
		bus.mu.RUnlock()
		return ErrServerNotRunning
	}
	subs := make([]*Subscriber, 0, len(bus.subscribers[key]))
	for sub := range bus.subscribers[key] {
		subs = append(subs, sub)
	}
	taps := bus.taps
	bus.mu.RUnlock()

	message, err := json.Marshal(map[string]interface{}{
		"messageType": messageType,
		"data":        payload,
	})
	if err != nil {
		logrus.Errorf("Bus.publish: cannot serialize %s message for %s/%s: %s",
			messageType, thingName, name, err)
		return err
	}

	var stale []*Subscriber
	for _, sub := range subs {
		if !sub.send(message) {
			stale = append(stale, sub)
		}
	}
	for _, sub := range stale {
		bus.Unsubscribe(key, sub)
	}
	for _, tap := range taps {
		tap(thingName, messageType, name, message)
	}
	return nil
}
