// Package server with the labthings server: it owns the Things, the
// observation bus, the invocation manager and the settings store, and serves
// everything over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/blob"
	"github.com/labthings/labthings-go/pkg/config"
	"github.com/labthings/labthings-go/pkg/discovery"
	"github.com/labthings/labthings-go/pkg/invocation"
	"github.com/labthings/labthings-go/pkg/mqttbridge"
	"github.com/labthings/labthings-go/pkg/observe"
	"github.com/labthings/labthings-go/pkg/settings"
	"github.com/labthings/labthings-go/pkg/thing"
	"github.com/labthings/labthings-go/pkg/vocab"
)

// reservedNames cannot be used as Thing names; they are server endpoints
var reservedNames = map[string]struct{}{
	"things":             {},
	"thing_descriptions": {},
	"action_invocations": {},
	"blob":               {},
}

// Server hosts a set of Things behind one HTTP listener.
//
// Usage: create with NewServer, add Things with AddThing, then Start.
// Stop with Shutdown. For tests, Setup plus Handler serves the same
// application through an httptest server without opening a port.
type Server struct {
	cfg *config.ServerConfig

	mu      sync.RWMutex
	things  map[string]thing.Thing
	order   []string
	sockets map[string]*observe.SocketHandler
	running bool
	baseURL string

	bus     *observe.Bus
	actions *invocation.Manager
	blobs   *blob.Manager
	store   *settings.Store

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	disco      *zeroconf.Server
	bridge     *mqttbridge.Bridge
	watchers   []*settings.Watcher

	tdMutex sync.Mutex
	tdCache map[string]map[string]interface{}
}

// NewServer creates a server for the given configuration.
// Call AddThing for each Thing, then Start.
func NewServer(cfg *config.ServerConfig) *Server {
	bus := observe.NewBus()
	blobs := blob.NewManager()
	srv := &Server{
		cfg:     cfg,
		things:  make(map[string]thing.Thing),
		sockets: make(map[string]*observe.SocketHandler),
		bus:     bus,
		actions: invocation.NewManager(bus, blobs),
		blobs:   blobs,
		store:   settings.NewStore(cfg.SettingsFolder),
		tdCache: make(map[string]map[string]interface{}),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
	srv.actions.SetURLBuilder(srv.URLFor)
	srv.buildRoutes()

	if cfg.MqttBroker != "" {
		srv.bridge = mqttbridge.NewBridge(cfg.MqttBroker, cfg.MqttClientID)
		srv.bus.Tap(srv.bridge.Tap())
	}
	registerServer(srv)
	return srv
}

// Config returns the server's configuration
func (srv *Server) Config() *config.ServerConfig {
	return srv.cfg
}

// Handler returns the server's HTTP application, CORS layer included.
// Intended for serving through httptest in tests.
func (srv *Server) Handler() http.Handler {
	return srv.handler
}

// Running returns whether Setup has completed and Shutdown has not
func (srv *Server) Running() bool {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.running
}

// AddThing adds a Thing under the given name. The name becomes part of every
// URL of the Thing and must be unique on this server. Things cannot be added
// while the server is running.
func (srv *Server) AddThing(name string, t thing.Thing) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("'%s' is not a valid thing name", name)
	}
	if _, reserved := reservedNames[name]; reserved {
		return fmt.Errorf("'%s' is a reserved name", name)
	}
	srv.mu.Lock()
	if srv.running {
		srv.mu.Unlock()
		return fmt.Errorf("cannot add thing '%s': server is running", name)
	}
	if _, exists := srv.things[name]; exists {
		srv.mu.Unlock()
		return fmt.Errorf("a thing named '%s' already exists", name)
	}
	srv.mu.Unlock()

	err := thing.Attach(t, name, srv.bus, func() {
		srv.store.Save(name, t.Settings())
	})
	if err != nil {
		return err
	}

	srv.mu.Lock()
	srv.things[name] = t
	srv.order = append(srv.order, name)
	srv.sockets[name] = observe.NewSocketHandler(name, srv.bus, srv)
	srv.mu.Unlock()
	logrus.Infof("Server.AddThing: added thing '%s' with %d properties, %d actions, %d events",
		name, len(t.Properties()), len(t.Actions()), len(t.Events()))
	return nil
}

// GetThing returns a Thing by name, or nil
func (srv *Server) GetThing(name string) thing.Thing {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.things[name]
}

// Things returns all Things in the order they were added
func (srv *Server) Things() []thing.Thing {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	list := make([]thing.Thing, 0, len(srv.order))
	for _, name := range srv.order {
		list = append(list, srv.things[name])
	}
	return list
}

// Setup prepares the application without opening a listener: slots are
// resolved, persisted settings are loaded, the observation bus starts and
// every Thing's Setup runs in add order. A Setup failure tears down the
// already started Things in reverse order.
func (srv *Server) Setup() error {
	if srv.Running() {
		return errors.New("server is already running")
	}
	things := srv.Things()

	if err := thing.ResolveSlots(things, srv.cfg.ThingConnections); err != nil {
		return err
	}
	for _, t := range things {
		srv.store.Load(t.Name(), t.Settings())
	}
	srv.bus.Start()

	ctx := context.Background()
	for i, t := range things {
		if err := t.Setup(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if err2 := things[j].Teardown(ctx); err2 != nil {
					logrus.Errorf("Server.Setup: teardown of thing '%s': %s", things[j].Name(), err2)
				}
			}
			srv.bus.Stop()
			return fmt.Errorf("setup of thing '%s': %w", t.Name(), err)
		}
	}

	if srv.cfg.WatchSettings {
		for _, t := range things {
			t := t
			if len(t.Settings()) == 0 {
				continue
			}
			watcher, err := srv.store.Watch(t.Name(), t.Settings(), func() {
				srv.publishSettings(t)
			})
			if err != nil {
				logrus.Warningf("Server.Setup: cannot watch settings of thing '%s': %s", t.Name(), err)
				continue
			}
			srv.watchers = append(srv.watchers, watcher)
		}
	}

	srv.mu.Lock()
	srv.running = true
	srv.mu.Unlock()
	return nil
}

// Start runs Setup, opens the listener and serves until Shutdown. Discovery
// announcement and the MQTT bridge are started when configured. Start returns
// once the server is serving.
func (srv *Server) Start() error {
	if err := srv.Setup(); err != nil {
		return err
	}

	listenAddr := fmt.Sprintf("%s:%d", srv.cfg.Address, srv.cfg.Port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logrus.Errorf("Server.Start: cannot listen on %s: %s", listenAddr, err)
		_ = srv.Shutdown(context.Background())
		return err
	}
	srv.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	if srv.baseURL == "" {
		host := srv.cfg.Address
		if host == "" {
			host = "localhost"
		}
		srv.SetBaseURL(fmt.Sprintf("http://%s:%d", host, port))
	}

	srv.httpServer = &http.Server{Handler: srv.handler}
	go func() {
		serveErr := srv.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logrus.Errorf("Server.Start: http server stopped: %s", serveErr)
		}
	}()

	if srv.cfg.Discovery {
		disco, discoErr := discovery.Announce(
			srv.cfg.ServiceName, srv.cfg.Address, port, map[string]string{"path": "/"})
		if discoErr != nil {
			logrus.Warningf("Server.Start: discovery announcement failed: %s", discoErr)
		} else {
			srv.disco = disco
		}
	}
	if srv.bridge != nil {
		_ = srv.bridge.Start()
	}

	logrus.Infof("Server.Start: serving %d thing(s) on %s", len(srv.order), srv.BaseURL())
	return nil
}

// Shutdown stops serving: the listener closes, Things tear down in reverse
// add order with a final settings save each, the bus stops and the invocation
// manager waits for running actions up to the context deadline.
func (srv *Server) Shutdown(ctx context.Context) error {
	logrus.Infof("Server.Shutdown: stopping")
	if srv.disco != nil {
		srv.disco.Shutdown()
		srv.disco = nil
	}
	if srv.httpServer != nil {
		_ = srv.httpServer.Shutdown(ctx)
		srv.httpServer = nil
	}

	for _, watcher := range srv.watchers {
		watcher.Close()
	}
	srv.watchers = nil

	things := srv.Things()
	for i := len(things) - 1; i >= 0; i-- {
		t := things[i]
		if err := t.Teardown(ctx); err != nil {
			logrus.Errorf("Server.Shutdown: teardown of thing '%s': %s", t.Name(), err)
		}
		srv.store.Save(t.Name(), t.Settings())
	}

	srv.bus.Stop()
	if srv.bridge != nil {
		srv.bridge.Stop()
	}
	err := srv.actions.Shutdown(ctx)

	srv.mu.Lock()
	srv.running = false
	srv.mu.Unlock()
	unregisterServer(srv)
	return err
}

// BaseURL is the advertised URL prefix, without trailing slash.
// Empty until the server starts or SetBaseURL is called.
func (srv *Server) BaseURL() string {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.baseURL
}

// SetBaseURL overrides the advertised URL prefix. Tests serving the handler
// through httptest set this to the test server's URL so links and TDs carry
// resolvable URLs.
func (srv *Server) SetBaseURL(baseURL string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.baseURL = strings.TrimSuffix(baseURL, "/")
}

// URLFor turns a server-relative path into an absolute URL when the base URL
// is known, and returns the path unchanged otherwise
func (srv *Server) URLFor(urlPath string) string {
	base := srv.BaseURL()
	if base == "" {
		return urlPath
	}
	return base + urlPath
}

// Actions returns the invocation manager
func (srv *Server) Actions() *invocation.Manager {
	return srv.actions
}

// Blobs returns the blob manager
func (srv *Server) Blobs() *blob.Manager {
	return srv.blobs
}

// Bus returns the observation bus
func (srv *Server) Bus() *observe.Bus {
	return srv.bus
}

// Store returns the settings store
func (srv *Server) Store() *settings.Store {
	return srv.store
}

// ObserveTarget resolves an observation request from a WebSocket client to
// the bus key to subscribe on. Part of the observe.Directory contract.
func (srv *Server) ObserveTarget(thingName string, operation string, name string) (string, interface{}, error) {
	t := srv.GetThing(thingName)
	if t == nil {
		return "", nil, fmt.Errorf("no thing named '%s'", thingName)
	}
	switch operation {
	case vocab.WoTOpObserveProperty:
		prop := t.GetProperty(name)
		if prop == nil {
			return "", nil, fmt.Errorf("thing '%s' has no property '%s'", thingName, name)
		}
		if !prop.Observable() {
			return "", nil, fmt.Errorf("%w: property '%s' has no setter", observe.ErrNotObservable, name)
		}
		// the acknowledgement carries the current value so observers don't
		// miss the state at subscribe time
		value, err := prop.ReadValue()
		if err != nil {
			logrus.Warningf("Server.ObserveTarget: cannot read property '%s' of thing '%s': %s",
				name, thingName, err)
			value = nil
		}
		return observe.PropertyKey(thingName, name), value, nil

	case vocab.WoTOpObserveAction:
		if t.GetAction(name) == nil {
			return "", nil, fmt.Errorf("thing '%s' has no action '%s'", thingName, name)
		}
		return observe.ActionKey(thingName, name), nil, nil

	case vocab.WoTOpObserveEvent:
		if t.GetEvent(name) == nil {
			return "", nil, fmt.Errorf("thing '%s' has no event '%s'", thingName, name)
		}
		return observe.EventKey(thingName, name), nil, nil
	}
	return "", nil, fmt.Errorf("unsupported operation '%s'", operation)
}

// publishSettings emits propertyStatus messages for every setting of a
// Thing, used after an external settings file edit was reloaded
func (srv *Server) publishSettings(t thing.Thing) {
	for _, setting := range t.Settings() {
		value, err := setting.ReadValue()
		if err != nil {
			continue
		}
		if err = srv.bus.PublishProperty(t.Name(), setting.Name(), value); err != nil &&
			!errors.Is(err, observe.ErrServerNotRunning) {
			logrus.Warningf("Server.publishSettings: cannot publish '%s' of thing '%s': %s",
				setting.Name(), t.Name(), err)
		}
	}
}
