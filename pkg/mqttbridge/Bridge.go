// Package mqttbridge republishes observation messages onto an MQTT broker,
// so message-bus consumers can follow Thing state without holding a
// WebSocket open.
//
// Topics follow the things/{thing}/event/... convention:
//
//	things/{thing}/event/properties   propertyStatus messages
//	things/{thing}/event/actionstatus actionStatus messages
//	things/{thing}/event/{name}       named events
//
// The bridge is a tap on the observation bus: every published message is
// forwarded verbatim, regardless of WebSocket subscriptions.
package mqttbridge

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/labthings/labthings-go/pkg/observe"
	"github.com/labthings/labthings-go/pkg/vocab"
)

// ConnectTimeout for the initial broker connection
const ConnectTimeout = 3 * time.Second

// Bridge forwards observation bus messages to an MQTT broker
type Bridge struct {
	brokerURL string
	client    paho.Client
}

// NewBridge creates a bridge for the given broker, for example
// tcp://localhost:1883. Call Start to connect and Tap to register it on the
// observation bus.
func NewBridge(brokerURL string, clientID string) *Bridge {
	options := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	return &Bridge{
		brokerURL: brokerURL,
		client:    paho.NewClient(options),
	}
}

// Start connects to the broker
func (bridge *Bridge) Start() error {
	token := bridge.client.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		// the client keeps retrying in the background
		logrus.Warningf("Bridge.Start: connection to %s still pending after %s",
			bridge.brokerURL, ConnectTimeout)
		return nil
	}
	if err := token.Error(); err != nil {
		logrus.Errorf("Bridge.Start: cannot connect to %s: %s", bridge.brokerURL, err)
		return fmt.Errorf("connecting to mqtt broker %s: %w", bridge.brokerURL, err)
	}
	logrus.Infof("Bridge.Start: connected to mqtt broker %s", bridge.brokerURL)
	return nil
}

// Stop disconnects from the broker
func (bridge *Bridge) Stop() {
	bridge.client.Disconnect(250)
	logrus.Infof("Bridge.Stop: disconnected from mqtt broker %s", bridge.brokerURL)
}

// Tap returns the bus tap that forwards messages to the broker.
// Register it on the observation bus before the bus starts.
func (bridge *Bridge) Tap() observe.TapFunc {
	return func(thingName string, messageType string, name string, message []byte) {
		topic := topicFor(thingName, messageType, name)
		if topic == "" {
			return
		}
		token := bridge.client.Publish(topic, 0, false, message)
		// fire and forget; a slow broker must not stall the bus
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				logrus.Warningf("Bridge.Tap: cannot publish to %s: %s", topic, err)
			}
		}()
	}
}

func topicFor(thingName string, messageType string, name string) string {
	prefix := "things/" + thingName + "/event/"
	switch messageType {
	case vocab.MessageTypePropertyStatus:
		return prefix + "properties"
	case vocab.MessageTypeActionStatus:
		return prefix + "actionstatus"
	case vocab.MessageTypeEvent:
		return prefix + name
	}
	return ""
}
