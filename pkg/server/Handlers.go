package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/action"
	"github.com/labthings/labthings-go/pkg/dataschema"
	"github.com/labthings/labthings-go/pkg/invocation"
	"github.com/labthings/labthings-go/pkg/property"
	"github.com/labthings/labthings-go/pkg/thing"
)

// buildRoutes registers the server routes. Fixed endpoints come before the
// per-thing catch-alls so a Thing can never shadow them.
func (srv *Server) buildRoutes() {
	router := mux.NewRouter()
	router.HandleFunc("/", srv.serveIndex).Methods(http.MethodGet)
	router.HandleFunc("/things/", srv.serveThingIndex).Methods(http.MethodGet)
	router.HandleFunc("/thing_descriptions/", srv.serveTDIndex).Methods(http.MethodGet)
	router.HandleFunc("/action_invocations", srv.serveInvocationList).Methods(http.MethodGet)
	router.HandleFunc("/action_invocations/{id}", srv.serveInvocation).Methods(http.MethodGet)
	router.HandleFunc("/action_invocations/{id}", srv.serveCancel).Methods(http.MethodDelete)
	router.HandleFunc("/action_invocations/{id}/output", srv.serveOutput).Methods(http.MethodGet)
	router.HandleFunc("/blob/{id}", srv.serveBlob).Methods(http.MethodGet)
	router.HandleFunc("/{thing}/", srv.serveTD).Methods(http.MethodGet)
	router.HandleFunc("/{thing}/ws", srv.serveSocket).Methods(http.MethodGet)
	router.HandleFunc("/{thing}/{name}", srv.serveAffordance)

	corsLayer := cors.New(cors.Options{
		// empty AllowedOrigins defaults to *, so local web clients work
		AllowedOrigins: srv.cfg.CorsOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete,
		},
		AllowedHeaders: []string{"*"},
	})
	srv.handler = corsLayer.Handler(router)
}

// serveIndex lists the Things of this server
func (srv *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	things := make(map[string]string)
	for _, t := range srv.Things() {
		things[t.Name()] = srv.URLFor(t.Path())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server": srv.cfg.ServiceName,
		"things": things,
	})
}

// serveThingIndex maps thing names to their URLs
func (srv *Server) serveThingIndex(w http.ResponseWriter, r *http.Request) {
	index := make(map[string]string)
	for _, t := range srv.Things() {
		index[t.Name()] = srv.URLFor(t.Path())
	}
	writeJSON(w, http.StatusOK, index)
}

// serveTDIndex returns every Thing Description, keyed by thing path
func (srv *Server) serveTDIndex(w http.ResponseWriter, r *http.Request) {
	index := make(map[string]interface{})
	for _, t := range srv.Things() {
		index[t.Path()] = srv.thingTD(t)
	}
	writeJSON(w, http.StatusOK, index)
}

// serveTD returns the Thing Description of one Thing
func (srv *Server) serveTD(w http.ResponseWriter, r *http.Request) {
	t := srv.GetThing(mux.Vars(r)["thing"])
	if t == nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such thing", "")
		return
	}
	writeJSON(w, http.StatusOK, srv.thingTD(t))
}

// serveSocket upgrades to the Thing's observation WebSocket
func (srv *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	thingName := mux.Vars(r)["thing"]
	srv.mu.RLock()
	handler := srv.sockets[thingName]
	srv.mu.RUnlock()
	if handler == nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such thing", "")
		return
	}
	handler.ServeHTTP(w, r)
}

// serveAffordance dispatches {thing}/{name} to the named property or action
func (srv *Server) serveAffordance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t := srv.GetThing(vars["thing"])
	if t == nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such thing", "")
		return
	}
	name := vars["name"]
	if prop := t.GetProperty(name); prop != nil {
		srv.serveProperty(w, r, t, prop)
		return
	}
	if act := t.GetAction(name); act != nil {
		srv.serveAction(w, r, t, act)
		return
	}
	writeError(w, http.StatusNotFound, "NotFound",
		"thing '"+t.Name()+"' has no affordance '"+name+"'", "")
}

// serveProperty reads (GET) or writes (PUT) a property value.
// Writes respond 201 with the value as stored.
func (srv *Server) serveProperty(w http.ResponseWriter, r *http.Request,
	t thing.Thing, prop property.Descriptor) {

	switch r.Method {
	case http.MethodGet:
		value, err := prop.ReadValue()
		if err != nil {
			logrus.Errorf("serveProperty: cannot read '%s' of thing '%s': %s",
				prop.Name(), t.Name(), err)
			writeError(w, http.StatusInternalServerError, "InternalError", err.Error(), "")
			return
		}
		writeJSON(w, http.StatusOK, value)

	case http.MethodPut:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "cannot read request body", "")
			return
		}
		if err = prop.WriteJSON(raw); err != nil {
			srv.writePropertyError(w, t, prop, err)
			return
		}
		value, err := prop.ReadValue()
		if err != nil {
			logrus.Errorf("serveProperty: cannot read back '%s' of thing '%s': %s",
				prop.Name(), t.Name(), err)
			writeError(w, http.StatusInternalServerError, "InternalError", err.Error(), "")
			return
		}
		writeJSON(w, http.StatusCreated, value)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed",
			"properties support GET and PUT", "")
	}
}

func (srv *Server) writePropertyError(w http.ResponseWriter, t thing.Thing,
	prop property.Descriptor, err error) {

	switch {
	case errors.Is(err, property.ErrReadOnly):
		writeError(w, http.StatusMethodNotAllowed, "ReadOnly",
			"property '"+prop.Name()+"' is read-only", "")
	case errors.Is(err, dataschema.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "ValidationError",
			"value does not match the property schema", err.Error())
	default:
		logrus.Errorf("serveProperty: write to '%s' of thing '%s' failed: %s",
			prop.Name(), t.Name(), err)
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error(), "")
	}
}

// serveAction invokes an action (POST) or lists its invocations (GET).
// Invocation responds 201 with the pending invocation record; the action body
// runs on a worker goroutine.
func (srv *Server) serveAction(w http.ResponseWriter, r *http.Request,
	t thing.Thing, act *action.Descriptor) {

	switch r.Method {
	case http.MethodPost:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "cannot read request body", "")
			return
		}
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		if err = act.ValidateInput(raw); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "ValidationError",
				"input does not match the action schema", err.Error())
			return
		}
		inv := srv.actions.Invoke(act, json.RawMessage(raw))
		w.Header().Set("Location", srv.URLFor("/action_invocations/"+inv.ID().String()))
		writeJSON(w, http.StatusCreated, inv.Record(false))

	case http.MethodGet:
		writeJSON(w, http.StatusOK, srv.actions.List(t.Name(), act.Name()))

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed",
			"actions support GET and POST", "")
	}
}

// serveInvocationList returns all invocations on this server, oldest first
func (srv *Server) serveInvocationList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.actions.List("", ""))
}

func invocationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such invocation", "")
		return uuid.UUID{}, false
	}
	return id, true
}

// serveInvocation returns one invocation record, log included
func (srv *Server) serveInvocation(w http.ResponseWriter, r *http.Request) {
	id, valid := invocationID(w, r)
	if !valid {
		return
	}
	record, err := srv.actions.GetRecord(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such invocation", "")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// serveCancel requests cooperative cancellation of a running invocation
func (srv *Server) serveCancel(w http.ResponseWriter, r *http.Request) {
	id, valid := invocationID(w, r)
	if !valid {
		return
	}
	inv, err := srv.actions.Cancel(id)
	switch {
	case errors.Is(err, invocation.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "no such invocation", "")
	case errors.Is(err, invocation.ErrNotCancellable):
		writeError(w, http.StatusServiceUnavailable, "NotCancellable",
			"invocation has already finished", "")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error(), "")
	default:
		writeJSON(w, http.StatusOK, inv.Record(false))
	}
}

// serveOutput returns the raw return value of a completed invocation
func (srv *Server) serveOutput(w http.ResponseWriter, r *http.Request) {
	id, valid := invocationID(w, r)
	if !valid {
		return
	}
	output, err := srv.actions.Output(id)
	switch {
	case errors.Is(err, invocation.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "no such invocation", "")
	case errors.Is(err, invocation.ErrOutputNotReady):
		writeError(w, http.StatusServiceUnavailable, "OutputNotReady",
			"invocation has no output yet", "")
	default:
		writeJSON(w, http.StatusOK, output)
	}
}

// serveBlob streams the content of a registered blob. Blob read failures are
// reported as NotFound; the blob may have expired with its invocation.
func (srv *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such blob", "")
		return
	}
	b := srv.blobs.Get(id)
	if b == nil {
		writeError(w, http.StatusNotFound, "NotFound", "no such blob", "")
		return
	}
	reader, err := b.Open()
	if err != nil {
		logrus.Warningf("serveBlob: cannot open blob %s: %s", id, err)
		writeError(w, http.StatusNotFound, "NotFound", "blob content is not available", "")
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", b.MediaType())
	w.WriteHeader(http.StatusOK)
	if _, err = io.Copy(w, reader); err != nil {
		logrus.Warningf("serveBlob: streaming blob %s: %s", id, err)
	}
}
