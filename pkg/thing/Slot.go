package thing

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// A slot declares a typed connection from one Thing to another Thing on the
// same server. Resolution happens once, after every Thing is constructed and
// before any Setup runs; because slots resolve by name, circular references
// between Things are fine.
//
// The connected Thing is determined by, in priority order: an explicit
// thingConnections entry in the server configuration, the default names the
// slot was declared with, or an automatic search over all Things assignable
// to the slot's type.

// slotRef is the untyped view of a slot used by Init and the resolver
type slotRef interface {
	// slotElem is the Go type the connected Things must be assignable to
	slotElem() reflect.Type
	// slotDefaults returns the declared default names and whether the slot
	// falls back to the automatic type search
	slotDefaults() (names []string, auto bool)
	// slotAssign stores the resolved Things, validating cardinality
	slotAssign(matches map[string]Thing) error
}

// One is a slot that must resolve to exactly one Thing of type T
type One[T Thing] struct {
	defaults []string
	auto     bool

	mu       sync.RWMutex
	value    T
	resolved bool
}

// Slot declares a required connection to exactly one Thing of type T.
// Without default names the connected Thing is found by type.
func Slot[T Thing](defaultNames ...string) *One[T] {
	return &One[T]{defaults: defaultNames, auto: len(defaultNames) == 0}
}

// Get returns the connected Thing. Valid after the server resolved slots;
// before that it panics, which surfaces use-before-startup bugs loudly.
func (s *One[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.resolved {
		panic("slot used before resolution; slots are valid once the server has started")
	}
	return s.value
}

func (s *One[T]) slotElem() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (s *One[T]) slotDefaults() ([]string, bool) {
	return s.defaults, s.auto
}

func (s *One[T]) slotAssign(matches map[string]Thing) error {
	if err := requireAtMostOne(matches); err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no thing of type %s available; exactly one is required", s.slotElem())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, match := range matches {
		s.value = match.(T)
	}
	s.resolved = true
	return nil
}

// Optional is a slot that may resolve to one Thing of type T, or to none
type Optional[T Thing] struct {
	defaults []string
	auto     bool

	mu       sync.RWMutex
	value    T
	present  bool
	resolved bool
}

// OptionalSlot declares a connection to at most one Thing of type T
func OptionalSlot[T Thing](defaultNames ...string) *Optional[T] {
	return &Optional[T]{defaults: defaultNames, auto: len(defaultNames) == 0}
}

// Get returns the connected Thing and whether one resolved
func (s *Optional[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.resolved {
		panic("slot used before resolution; slots are valid once the server has started")
	}
	return s.value, s.present
}

func (s *Optional[T]) slotElem() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (s *Optional[T]) slotDefaults() ([]string, bool) {
	return s.defaults, s.auto
}

func (s *Optional[T]) slotAssign(matches map[string]Thing) error {
	if err := requireAtMostOne(matches); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, match := range matches {
		s.value = match.(T)
		s.present = true
	}
	s.resolved = true
	return nil
}

// Map is a slot that resolves to a (possibly empty) mapping of Thing names
// to Things of type T
type Map[T Thing] struct {
	defaults []string
	auto     bool

	mu       sync.RWMutex
	values   map[string]T
	resolved bool
}

// MapSlot declares a connection to every Thing of type T, or to the named
// ones when default names are given
func MapSlot[T Thing](defaultNames ...string) *Map[T] {
	return &Map[T]{defaults: defaultNames, auto: len(defaultNames) == 0}
}

// Get returns a copy of the resolved name to Thing mapping
func (s *Map[T]) Get() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.resolved {
		panic("slot used before resolution; slots are valid once the server has started")
	}
	values := make(map[string]T, len(s.values))
	for name, value := range s.values {
		values[name] = value
	}
	return values
}

func (s *Map[T]) slotElem() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (s *Map[T]) slotDefaults() ([]string, bool) {
	return s.defaults, s.auto
}

func (s *Map[T]) slotAssign(matches map[string]Thing) error {
	values := make(map[string]T, len(matches))
	for name, match := range matches {
		values[name] = match.(T)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = values
	s.resolved = true
	return nil
}

func requireAtMostOne(matches map[string]Thing) error {
	if len(matches) <= 1 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for name := range matches {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("multiple things match (%s); at most one is allowed",
		strings.Join(names, ", "))
}

// ResolveSlots wires every slot of every Thing. things must be the server's
// full Thing set; connections is the server configuration's thingConnections
// section (thing name to slot name to a name, a list of names, or null).
// Resolution is deterministic for a given configuration and Thing set, and
// every failure names the slot and its host Thing.
func ResolveSlots(things []Thing, connections map[string]map[string]interface{}) error {
	byName := make(map[string]Thing, len(things))
	order := make([]string, 0, len(things))
	for _, t := range things {
		byName[t.Name()] = t
		order = append(order, t.Name())
	}

	for _, host := range things {
		b := host.base()
		for _, slotName := range b.slotOrder {
			ref := b.slots[slotName]
			if err := resolveSlot(host, slotName, ref, byName, order, connections); err != nil {
				return err
			}
		}
	}
	return nil
}

func resolveSlot(host Thing, slotName string, ref slotRef,
	byName map[string]Thing, order []string,
	connections map[string]map[string]interface{}) error {

	names, auto, err := candidateNames(host, slotName, ref, connections)
	if err != nil {
		return err
	}

	elem := ref.slotElem()
	matches := make(map[string]Thing)
	if auto {
		for _, name := range order {
			candidate := byName[name]
			if reflect.TypeOf(candidate).AssignableTo(elem) {
				matches[name] = candidate
			}
		}
	} else {
		for _, name := range names {
			candidate, known := byName[name]
			if !known {
				return fmt.Errorf("slot '%s' of thing '%s': no thing named '%s' on this server",
					slotName, host.Name(), name)
			}
			if !reflect.TypeOf(candidate).AssignableTo(elem) {
				return fmt.Errorf("slot '%s' of thing '%s': thing '%s' is a %T, not a %s",
					slotName, host.Name(), name, candidate, elem)
			}
			matches[name] = candidate
		}
	}

	if err = ref.slotAssign(matches); err != nil {
		return fmt.Errorf("slot '%s' of thing '%s': %w", slotName, host.Name(), err)
	}
	logrus.Debugf("resolveSlot: slot '%s' of thing '%s' resolved to %d thing(s)",
		slotName, host.Name(), len(matches))
	return nil
}

// candidateNames applies the resolution priority: explicit configuration
// entry, then declared defaults, then the automatic type search. An explicit
// null entry means "connect nothing".
func candidateNames(host Thing, slotName string, ref slotRef,
	connections map[string]map[string]interface{}) ([]string, bool, error) {

	if conn, found := connections[host.Name()]; found {
		if entry, configured := conn[slotName]; configured {
			switch value := entry.(type) {
			case nil:
				return nil, false, nil
			case string:
				return []string{value}, false, nil
			case []string:
				return value, false, nil
			case []interface{}:
				names := make([]string, 0, len(value))
				for _, item := range value {
					name, valid := item.(string)
					if !valid {
						return nil, false, fmt.Errorf(
							"slot '%s' of thing '%s': connection entries must be thing names, got %T",
							slotName, host.Name(), item)
					}
					names = append(names, name)
				}
				return names, false, nil
			default:
				return nil, false, fmt.Errorf(
					"slot '%s' of thing '%s': a connection entry must be a name, a list of names or null, got %T",
					slotName, host.Name(), entry)
			}
		}
	}

	names, auto := ref.slotDefaults()
	return names, auto, nil
}
