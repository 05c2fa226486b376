package server

import (
	"github.com/labthings/labthings-go/pkg/td"
	"github.com/labthings/labthings-go/pkg/thing"
	"github.com/labthings/labthings-go/pkg/vocab"
)

// thingTD returns the Thing Description document of a Thing. Affordances are
// fixed once the Thing is attached, so the document is built once per base
// URL and cached.
func (srv *Server) thingTD(t thing.Thing) map[string]interface{} {
	key := t.Path() + "|" + srv.BaseURL()
	srv.tdMutex.Lock()
	defer srv.tdMutex.Unlock()
	if doc, cached := srv.tdCache[key]; cached {
		return doc
	}
	doc := buildTD(t, srv.BaseURL())
	srv.tdCache[key] = doc
	return doc
}

// buildTD assembles a WoT TD 1.1 document from the Thing's descriptors.
// Form hrefs are relative to the base URL.
func buildTD(t thing.Thing, base string) map[string]interface{} {
	tdoc := td.CreateTD(t.Path(), t.Title())
	tdoc.UpdateTitleDescription(t.Title(), t.Description())
	if base != "" {
		tdoc.UpdateBase(base)
	}

	for _, prop := range t.Properties() {
		aff := &td.PropertyAffordance{
			DataSchema: *prop.Schema().DataSchema(),
			Observable: prop.Observable(),
		}
		aff.Title = prop.Title()
		aff.Description = prop.Description()
		aff.ReadOnly = prop.ReadOnly()
		ops := []string{vocab.WoTOpReadProperty}
		if !prop.ReadOnly() {
			ops = append(ops, vocab.WoTOpWriteProperty)
		}
		aff.Forms = []td.Form{{
			Href:        t.Path() + prop.Name(),
			ContentType: "application/json",
			Op:          ops,
		}}
		tdoc.UpdateProperty(prop.Name(), aff)
	}

	for _, act := range t.Actions() {
		aff := &td.ActionAffordance{
			Title:       act.Title(),
			Description: act.Description(),
			Input:       act.InputSchema().DataSchema(),
		}
		if act.OutputSchema() != nil {
			aff.Output = act.OutputSchema().DataSchema()
		}
		aff.Forms = []td.Form{{
			Href:        t.Path() + act.Name(),
			ContentType: "application/json",
			Op:          []string{vocab.WoTOpInvokeAction},
		}}
		tdoc.UpdateAction(act.Name(), aff)
	}

	for _, event := range t.Events() {
		aff := &td.EventAffordance{
			Title: event.Title,
			Data:  event.Data,
		}
		aff.Forms = []td.Form{{
			Href:        t.Path() + "ws",
			Op:          []string{vocab.WoTOpObserveEvent},
			Subprotocol: "labthings",
		}}
		tdoc.UpdateEvent(event.Name, aff)
	}

	tdoc.UpdateLinks([]td.Link{{Rel: "self", Href: t.Path()}})
	return tdoc.AsMap()
}
