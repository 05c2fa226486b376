// Package discovery publishes a running labthings server for DNS-SD
// discovery on the local domain
package discovery

import (
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// ServiceName under which labthings servers announce themselves.
// DNS-SD publishes this as _labthings._tcp.
const ServiceName = "labthings"

// Announce publishes the server instance for discovery on the local domain.
//
// This is a wrapper around DNS-SD; the TXT record carries the given
// key-value pairs, typically {path: "/"}.
//
//	instanceID is the unique name of this server instance
//	address is the listening IP address or hostname; "" announces on all interfaces
//	port is the listening port
//	params is a map of key-value pairs to include in discovery
//
// Returns the discovery service instance. Use Shutdown() when done.
func Announce(instanceID string, address string, port int, params map[string]string) (*zeroconf.Server, error) {
	logrus.Infof("Announce: instance=%s, address=%s:%d, params=%v", instanceID, address, port, params)
	if instanceID == "" {
		return nil, fmt.Errorf("Announce: empty instanceID")
	}

	// only the local domain is supported
	domain := "local."
	serviceType := fmt.Sprintf("_%s._tcp", ServiceName)

	textRecord := make([]string, 0, len(params))
	for key, value := range params {
		textRecord = append(textRecord, fmt.Sprintf("%s=%s", key, value))
	}

	if address == "" {
		server, err := zeroconf.Register(instanceID, serviceType, domain, port, textRecord, nil)
		if err != nil {
			logrus.Errorf("Announce: failed to start the zeroconf server: %s", err)
		}
		return server, err
	}

	// if the given address isn't a valid IP address, try to resolve it instead
	hostname, _ := os.Hostname()
	ips := []string{address}
	if net.ParseIP(address) == nil {
		hostname = address
		actualIP, err := net.LookupIP(address)
		if err != nil {
			logrus.Errorf("Announce: address '%s' is not an IP and cannot be resolved: %s", address, err)
			return nil, err
		}
		ips = []string{actualIP[0].String()}
	}

	server, err := zeroconf.RegisterProxy(
		instanceID, serviceType, domain, port, hostname, ips, textRecord, nil)
	if err != nil {
		logrus.Errorf("Announce: failed to start the zeroconf server: %s", err)
	}
	return server, err
}
