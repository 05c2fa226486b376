// Package vocab with the W3C Web of Things vocabulary used in Thing Descriptions
// and in the observation message protocol.
package vocab

// TimeFormat for timestamps in Thing Descriptions. Unfortunately RFC3339 doesn't
// include milliseconds so use the ISO8601 format instead.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// WoTAtContext with the JSON-LD context of a WoT TD 1.1 document
const WoTAtContext = "https://www.w3.org/2022/wot/td/v1.1"

// WoTNoSecurityScheme for Things that don't require authentication
const WoTNoSecurityScheme = "nosec"

// WoTNoSecurityDefinition is the name of the nosec entry in securityDefinitions
const WoTNoSecurityDefinition = "no_security"

// Data types used in TD Data Schemas. These match JSON Schema type names.
const (
	WoTDataTypeAnyURI  = "anyURI"
	WoTDataTypeArray   = "array"
	WoTDataTypeBool    = "boolean"
	WoTDataTypeInteger = "integer"
	WoTDataTypeNone    = "null"
	WoTDataTypeNumber  = "number"
	WoTDataTypeObject  = "object"
	WoTDataTypeString  = "string"
)

// Form operations for interacting with affordances
const (
	WoTOpReadProperty    = "readproperty"
	WoTOpWriteProperty   = "writeproperty"
	WoTOpObserveProperty = "observeproperty"
	WoTOpInvokeAction    = "invokeaction"
	WoTOpObserveAction   = "observeaction"
	WoTOpObserveEvent    = "subscribeevent"
)

// Message types used on the observation WebSocket and the MQTT event bridge
const (
	MessageTypeActionStatus   = "actionStatus"
	MessageTypeEvent          = "event"
	MessageTypePropertyStatus = "propertyStatus"
	MessageTypeRequest        = "request"
	MessageTypeResponse       = "response"
)
