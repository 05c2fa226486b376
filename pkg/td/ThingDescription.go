package td

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/labthings/labthings-go/pkg/vocab"
)

// ThingDescription is a W3C WoT TD 1.1 document under construction.
// Affordances are added by the Thing Description builder; the update methods
// are safe for concurrent use.
type ThingDescription struct {
	AtContext   string   `json:"@context"`
	AtType      []string `json:"@type,omitempty"`
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Created     string   `json:"created,omitempty"`
	Modified    string   `json:"modified,omitempty"`
	// Base URL against which relative form hrefs are resolved
	Base string `json:"base,omitempty"`

	Properties map[string]*PropertyAffordance `json:"properties,omitempty"`
	Actions    map[string]*ActionAffordance   `json:"actions,omitempty"`
	Events     map[string]*EventAffordance    `json:"events,omitempty"`

	Forms []Form `json:"forms,omitempty"`
	Links []Link `json:"links,omitempty"`

	Security            string                    `json:"security"`
	SecurityDefinitions map[string]SecurityScheme `json:"securityDefinitions"`

	updateMutex sync.RWMutex
}

// AddProperty provides a simple way to add a property affordance to the TD.
// This returns the property affordance so it can be augmented/modified directly.
//
// name is the name under which it is stored in the property affordance map. Any existing name will be replaced.
// title is the title used in the property. It is okay to use name if not sure.
// dataType is the type of data the property holds, WoTDataTypeNumber, ..Object, ..Array, ..String, ..Integer, ..Boolean or null
func (tdoc *ThingDescription) AddProperty(name string, title string, dataType string) *PropertyAffordance {
	prop := &PropertyAffordance{
		DataSchema: DataSchema{
			Title: title,
			Type:  dataType,
		},
	}
	return tdoc.UpdateProperty(name, prop)
}

// AddAction provides a simple way to add an action affordance to the TD.
// This returns the action affordance so it can be augmented/modified directly.
//
// name is the name under which it is stored in the action affordance map. Any existing name will be replaced.
// title is the title used in the action. It is okay to use name if not sure.
// dataType is the type of the action input, or "" for actions without input.
func (tdoc *ThingDescription) AddAction(name string, title string, dataType string) *ActionAffordance {
	actionAff := &ActionAffordance{
		Title: title,
	}
	if dataType != "" {
		actionAff.Input = &DataSchema{
			Title: title,
			Type:  dataType,
		}
	}
	return tdoc.UpdateAction(name, actionAff)
}

// AddEvent provides a simple way to add an event affordance to the TD.
// This returns the event affordance so it can be augmented/modified directly.
//
// name is the name under which it is stored in the event affordance map. Any existing name will be replaced.
// title is the title used in the event. It is okay to use name if not sure.
// dataType is the type of data the event carries, or "" for events without data.
func (tdoc *ThingDescription) AddEvent(name string, title string, dataType string) *EventAffordance {
	evAff := &EventAffordance{
		Title: title,
	}
	if dataType != "" {
		evAff.Data = &DataSchema{
			Title: title,
			Type:  dataType,
		}
	}
	return tdoc.UpdateEvent(name, evAff)
}

// AsMap returns the TD document as a map
func (tdoc *ThingDescription) AsMap() map[string]interface{} {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()

	var asMap map[string]interface{}
	asJSON, _ := json.Marshal(tdoc)
	_ = json.Unmarshal(asJSON, &asMap)
	return asMap
}

// GetProperty returns the affordance for the property, or nil if name is not a property
func (tdoc *ThingDescription) GetProperty(name string) *PropertyAffordance {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()

	propAffordance, found := tdoc.Properties[name]
	if !found {
		return nil
	}
	return propAffordance
}

// GetAction returns the affordance for the action, or nil if name is not an action
func (tdoc *ThingDescription) GetAction(name string) *ActionAffordance {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()

	actionAffordance, found := tdoc.Actions[name]
	if !found {
		return nil
	}
	return actionAffordance
}

// GetEvent returns the affordance for the event, or nil if the event doesn't exist
func (tdoc *ThingDescription) GetEvent(name string) *EventAffordance {
	tdoc.updateMutex.RLock()
	defer tdoc.updateMutex.RUnlock()

	eventAffordance, found := tdoc.Events[name]
	if !found {
		return nil
	}
	return eventAffordance
}

// UpdateProperty adds or replaces a property affordance in the TD.
// Returns the affordance to support chaining.
func (tdoc *ThingDescription) UpdateProperty(name string, affordance *PropertyAffordance) *PropertyAffordance {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Properties[name] = affordance
	return affordance
}

// UpdateAction adds or replaces an action affordance in the TD.
// Returns the affordance to support chaining.
func (tdoc *ThingDescription) UpdateAction(name string, affordance *ActionAffordance) *ActionAffordance {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Actions[name] = affordance
	return affordance
}

// UpdateEvent adds or replaces an event affordance in the TD.
// Returns the affordance to support chaining.
func (tdoc *ThingDescription) UpdateEvent(name string, affordance *EventAffordance) *EventAffordance {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Events[name] = affordance
	return affordance
}

// UpdateForms sets the top level forms section of the TD.
// Top level forms apply to the Thing as a whole rather than a single affordance.
func (tdoc *ThingDescription) UpdateForms(formList []Form) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Forms = formList
}

// UpdateLinks sets the links section of the TD
func (tdoc *ThingDescription) UpdateLinks(links []Link) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Links = links
}

// UpdateBase sets the base URL of the TD against which form hrefs are resolved
func (tdoc *ThingDescription) UpdateBase(base string) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Base = base
}

// UpdateTitleDescription sets the title and description of the Thing in the default language
func (tdoc *ThingDescription) UpdateTitleDescription(title string, description string) {
	tdoc.updateMutex.Lock()
	defer tdoc.updateMutex.Unlock()
	tdoc.Title = title
	tdoc.Description = description
}

// CreateTD creates a new Thing Description document with the given ID and title.
// Its structure:
//
//	{
//	     @context: "https://www.w3.org/2022/wot/td/v1.1",
//	     id: <thingID>,              // URI or path identifying the Thing
//	     title: string,              // required. Human description of the thing
//	     created: <iso8601>,         // the current timestamp. See vocabulary TimeFormat
//	     actions: {name: ActionAffordance, ...},
//	     events:  {name: EventAffordance, ...},
//	     properties: {name: PropertyAffordance, ...},
//	     security: "nosec",          // authentication is out of scope
//	     securityDefinitions: {"no_security": {scheme: "nosec"}}
//	}
func CreateTD(thingID string, title string) *ThingDescription {
	tdoc := ThingDescription{
		AtContext:  vocab.WoTAtContext,
		ID:         thingID,
		Title:      title,
		Created:    time.Now().Format(vocab.TimeFormat),
		Modified:   time.Now().Format(vocab.TimeFormat),
		Properties: map[string]*PropertyAffordance{},
		Actions:    map[string]*ActionAffordance{},
		Events:     map[string]*EventAffordance{},
		Security:   vocab.WoTNoSecurityScheme,
		SecurityDefinitions: map[string]SecurityScheme{
			vocab.WoTNoSecurityDefinition: {Scheme: vocab.WoTNoSecurityScheme},
		},
		updateMutex: sync.RWMutex{},
	}
	return &tdoc
}
