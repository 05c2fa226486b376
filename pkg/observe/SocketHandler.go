package observe

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/vocab"
)

// Directory resolves observation requests against a Thing's affordances.
// Implemented by the server.
type Directory interface {
	// ObserveTarget validates an observation request and returns the bus key
	// to subscribe on, plus the data for the acknowledgement response (the
	// current value for a property, nil otherwise).
	//
	// Errors: ErrNotObservable for a known but unobservable affordance; any
	// other error is reported to the client as NotFound.
	ObserveTarget(thingName string, operation string, name string) (key string, ack interface{}, err error)
}

// requestMessage as received from an observation client
type requestMessage struct {
	MessageType string `json:"messageType"`
	Operation   string `json:"operation"`
	Name        string `json:"name"`
}

// errorBody mirrors the HTTP error shape inside a WebSocket response
type errorBody struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// responseMessage acknowledges a request, carrying either data or an error
type responseMessage struct {
	MessageType string      `json:"messageType"`
	Operation   string      `json:"operation,omitempty"`
	Name        string      `json:"name,omitempty"`
	Data        interface{} `json:"data"`
	Error       *errorBody  `json:"error,omitempty"`
}

// SocketHandler serves the observation WebSocket of one Thing at
// {thing.path}ws.
//
// The client sends request messages naming an affordance to observe; the
// handler subscribes the connection on the bus and acknowledges. All outgoing
// traffic, acknowledgements included, flows through a single writer goroutine
// so the connection never sees concurrent writes. Closing the socket drops
// all of its subscriptions.
type SocketHandler struct {
	thingName string
	bus       *Bus
	directory Directory
	upgrader  websocket.Upgrader
}

// NewSocketHandler creates the observation socket handler for a Thing
func NewSocketHandler(thingName string, bus *Bus, directory Directory) *SocketHandler {
	return &SocketHandler{
		thingName: thingName,
		bus:       bus,
		directory: directory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin policy is handled by the CORS layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the request loop until the
// client disconnects or sends a message that is not a request.
func (handler *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := handler.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warningf("SocketHandler.ServeHTTP: upgrade failed for thing '%s': %s", handler.thingName, err)
		return
	}
	logrus.Infof("SocketHandler.ServeHTTP: observation client %s connected to thing '%s'",
		r.RemoteAddr, handler.thingName)

	sub := NewSubscriber(r.RemoteAddr)
	defer func() {
		handler.bus.UnsubscribeAll(sub)
		sub.Close()
		_ = conn.Close()
	}()

	// single writer
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for message := range sub.C() {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var request requestMessage
		if err = json.Unmarshal(raw, &request); err != nil ||
			request.MessageType != vocab.MessageTypeRequest {
			// unknown messages close the socket
			logrus.Warningf("SocketHandler: unknown message from %s on thing '%s', closing",
				r.RemoteAddr, handler.thingName)
			break
		}
		response, ok := handler.handleRequest(sub, &request)
		if !ok {
			break
		}
		handler.reply(sub, response)
	}

	handler.bus.UnsubscribeAll(sub)
	sub.Close()
	<-writerDone
}

// handleRequest subscribes on a valid target and builds the acknowledgement.
// Returns ok=false when the request shape itself is not supported.
func (handler *SocketHandler) handleRequest(sub *Subscriber, request *requestMessage) (*responseMessage, bool) {
	switch request.Operation {
	case vocab.WoTOpObserveProperty, vocab.WoTOpObserveAction, vocab.WoTOpObserveEvent:
	default:
		return nil, false
	}

	response := &responseMessage{
		MessageType: vocab.MessageTypeResponse,
		Operation:   request.Operation,
		Name:        request.Name,
	}
	key, ack, err := handler.directory.ObserveTarget(handler.thingName, request.Operation, request.Name)
	if err != nil {
		if errors.Is(err, ErrNotObservable) {
			response.Error = &errorBody{
				Status: http.StatusForbidden,
				Type:   "NotObservable",
				Title:  err.Error(),
			}
		} else {
			response.Error = &errorBody{
				Status: http.StatusNotFound,
				Type:   "NotFound",
				Title:  err.Error(),
			}
		}
		return response, true
	}

	handler.bus.Subscribe(key, sub)
	response.Data = ack
	return response, true
}

// reply routes a response through the writer goroutine
func (handler *SocketHandler) reply(sub *Subscriber, response *responseMessage) {
	message, err := json.Marshal(response)
	if err != nil {
		logrus.Errorf("SocketHandler.reply: cannot serialize response: %s", err)
		return
	}
	sub.send(message)
}
