package server

import "sync"

// The mapping of live server instances is the only process-wide state of
// this package. It is kept here behind explicit functions so tests can run
// multiple servers side by side and code holding only a service name can
// still find its server.

var registryMutex sync.RWMutex
var registry []*Server

func registerServer(srv *Server) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = append(registry, srv)
}

func unregisterServer(srv *Server) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	for i, registered := range registry {
		if registered == srv {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

// Servers returns the live servers of this process in creation order
func Servers() []*Server {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	list := make([]*Server, len(registry))
	copy(list, registry)
	return list
}

// Lookup returns the first live server with the given service name
func Lookup(serviceName string) (*Server, bool) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	for _, srv := range registry {
		if srv.Config().ServiceName == serviceName {
			return srv, true
		}
	}
	return nil, false
}
