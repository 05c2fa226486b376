// Package thing with the Thing base type, the declaration builder and the
// slot graph that wires Things to each other within one server.
package thing

import (
	"context"
	"fmt"
	"sync"

	"github.com/labthings/labthings-go/pkg/action"
	"github.com/labthings/labthings-go/pkg/observe"
	"github.com/labthings/labthings-go/pkg/property"
	"github.com/labthings/labthings-go/pkg/td"
)

// Thing is a named container of affordances. Concrete Things embed Base and
// declare their properties, actions and slots as struct fields; Init
// registers the declared fields, the server attaches and serves them.
//
// Setup and Teardown bracket the Thing's hardware lifetime: Setup runs at
// server start after settings are loaded and slots are wired, Teardown at
// server stop in reverse add order. Base provides no-op implementations.
type Thing interface {
	Name() string
	Path() string
	Title() string
	Description() string

	Properties() []property.Descriptor
	Actions() []*action.Descriptor
	Events() []*EventDecl
	GetProperty(name string) property.Descriptor
	GetAction(name string) *action.Descriptor
	GetEvent(name string) *EventDecl
	Settings() []property.Persistent

	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error

	base() *Base
}

// EventDecl declares a named event affordance. Events carry no handler code;
// the Thing emits them with EmitEvent.
type EventDecl struct {
	Name  string
	Title string
	// Data schema of the event payload, nil for events without data
	Data *td.DataSchema
}

// Base is the embeddable implementation of the bookkeeping half of Thing.
// The zero value is usable; descriptors register through AddProperty and
// AddAction, usually via Init.
type Base struct {
	name        string
	path        string
	title       string
	description string

	mu          sync.RWMutex
	propOrder   []string
	props       map[string]property.Descriptor
	actionOrder []string
	actions     map[string]*action.Descriptor
	eventOrder  []string
	events      map[string]*EventDecl
	slotOrder   []string
	slots       map[string]slotRef

	bus            *observe.Bus
	onSettingWrite func()
	built          bool
	attached       bool
}

func (b *Base) base() *Base {
	return b
}

// Name of the Thing, fixed when it is added to a server
func (b *Base) Name() string {
	return b.name
}

// Path is the Thing's URL prefix, "/{name}/"
func (b *Base) Path() string {
	return b.path
}

// Title returns the configured title, defaulting to the Thing name
func (b *Base) Title() string {
	if b.title == "" {
		return b.name
	}
	return b.title
}

// Description of the Thing
func (b *Base) Description() string {
	return b.description
}

// SetTitle sets the title shown in the TD
func (b *Base) SetTitle(title string) {
	b.title = title
}

// SetDescription sets the description shown in the TD
func (b *Base) SetDescription(description string) {
	b.description = description
}

// Setup is a no-op; Things acquiring hardware shadow it
func (b *Base) Setup(ctx context.Context) error {
	return nil
}

// Teardown is a no-op; Things releasing hardware shadow it
func (b *Base) Teardown(ctx context.Context) error {
	return nil
}

func (b *Base) ensureMaps() {
	if b.props == nil {
		b.props = make(map[string]property.Descriptor)
	}
	if b.actions == nil {
		b.actions = make(map[string]*action.Descriptor)
	}
	if b.events == nil {
		b.events = make(map[string]*EventDecl)
	}
	if b.slots == nil {
		b.slots = make(map[string]slotRef)
	}
}

// AddProperty registers a property descriptor. Affordance names must be
// unique within the Thing.
func (b *Base) AddProperty(desc property.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureMaps()
	if err := b.checkName(desc.Name()); err != nil {
		return err
	}
	b.props[desc.Name()] = desc
	b.propOrder = append(b.propOrder, desc.Name())
	return nil
}

// AddAction registers an action descriptor
func (b *Base) AddAction(desc *action.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureMaps()
	if err := b.checkName(desc.Name()); err != nil {
		return err
	}
	b.actions[desc.Name()] = desc
	b.actionOrder = append(b.actionOrder, desc.Name())
	return nil
}

// AddEvent declares a named event affordance. dataSchema may be nil for
// events without a payload.
func (b *Base) AddEvent(name string, title string, dataSchema *td.DataSchema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureMaps()
	if err := b.checkName(name); err != nil {
		return err
	}
	b.events[name] = &EventDecl{Name: name, Title: title, Data: dataSchema}
	b.eventOrder = append(b.eventOrder, name)
	return nil
}

// checkName must be called with the mutex held
func (b *Base) checkName(name string) error {
	if name == "" {
		return fmt.Errorf("affordance name must not be empty")
	}
	_, isProp := b.props[name]
	_, isAction := b.actions[name]
	_, isEvent := b.events[name]
	if isProp || isAction || isEvent {
		return fmt.Errorf("affordance '%s' is already declared", name)
	}
	return nil
}

func (b *Base) addSlot(name string, ref slotRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureMaps()
	if _, found := b.slots[name]; found {
		return fmt.Errorf("slot '%s' is already declared", name)
	}
	b.slots[name] = ref
	b.slotOrder = append(b.slotOrder, name)
	return nil
}

// Properties returns the registered property descriptors in declaration order
func (b *Base) Properties() []property.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := make([]property.Descriptor, 0, len(b.propOrder))
	for _, name := range b.propOrder {
		list = append(list, b.props[name])
	}
	return list
}

// Actions returns the registered action descriptors in declaration order
func (b *Base) Actions() []*action.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := make([]*action.Descriptor, 0, len(b.actionOrder))
	for _, name := range b.actionOrder {
		list = append(list, b.actions[name])
	}
	return list
}

// Events returns the declared events in declaration order
func (b *Base) Events() []*EventDecl {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := make([]*EventDecl, 0, len(b.eventOrder))
	for _, name := range b.eventOrder {
		list = append(list, b.events[name])
	}
	return list
}

// Settings returns the persistent properties in declaration order
func (b *Base) Settings() []property.Persistent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := make([]property.Persistent, 0)
	for _, name := range b.propOrder {
		if setting, isSetting := b.props[name].(property.Persistent); isSetting {
			list = append(list, setting)
		}
	}
	return list
}

// GetProperty returns a property descriptor, or nil if name is not a property
func (b *Base) GetProperty(name string) property.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.props[name]
}

// GetAction returns an action descriptor, or nil if name is not an action
func (b *Base) GetAction(name string) *action.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.actions[name]
}

// GetEvent returns an event declaration, or nil if name is not an event
func (b *Base) GetEvent(name string) *EventDecl {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events[name]
}

// EmitEvent publishes a declared event to its observers.
// observe.ErrServerNotRunning before the server is serving.
func (b *Base) EmitEvent(name string, data interface{}) error {
	b.mu.RLock()
	_, declared := b.events[name]
	bus := b.bus
	thingName := b.name
	b.mu.RUnlock()

	if !declared {
		return fmt.Errorf("event '%s' is not declared on thing '%s'", name, thingName)
	}
	if bus == nil {
		return observe.ErrServerNotRunning
	}
	return bus.PublishEvent(thingName, name, data)
}

// Attach binds a Thing to its server: the name and path become final, the
// declared fields are registered (Init) and every descriptor is bound to the
// observation bus and the settings-save hook. Called by the server's
// AddThing; a Thing can be attached once.
func Attach(t Thing, name string, bus *observe.Bus, onSettingWrite func()) error {
	b := t.base()
	if b.attached {
		return fmt.Errorf("thing '%s' is already attached to a server", b.name)
	}
	if err := Init(t); err != nil {
		return err
	}

	b.mu.Lock()
	b.name = name
	b.path = "/" + name + "/"
	b.bus = bus
	b.onSettingWrite = onSettingWrite
	b.attached = true
	b.mu.Unlock()

	binding := property.Binding{
		ThingName:      name,
		Bus:            bus,
		OnSettingWrite: onSettingWrite,
	}
	for _, desc := range t.Properties() {
		desc.Bind(binding)
	}
	for _, desc := range t.Actions() {
		desc.BindThing(name)
	}
	return nil
}
