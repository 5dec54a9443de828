// Package wire implements the control message protocol spoken between remote
// clients and the broker.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType is returned when NewType fails to return a Type.
var ErrUnknownType = errors.New("unknown message type")

// Type is the discriminant of a control message.
type Type uint8

const (
	// None is the zero Type. It never appears on the wire.
	None Type = iota

	// Subscribe is the read-only attach request sent by a client.
	Subscribe

	// AddSwarm is the join-or-attach request sent by a client.
	AddSwarm

	// RequestServer asks the broker to expose a swarm over an auxiliary
	// content server.
	RequestServer

	// Heartbeat refreshes a client's liveness.
	Heartbeat

	// Destroy removes a client, optionally after a delay.
	Destroy

	// ResourceSubscribed answers a Subscribe.
	ResourceSubscribed

	// ResourceAdded answers an AddSwarm.
	ResourceAdded

	// IdentifierResolved reports that the engine resolved a resource
	// identifier.
	IdentifierResolved

	// MetadataResolved reports that the engine fetched swarm metadata.
	MetadataResolved

	// DownloadProgress reports download activity on a swarm.
	DownloadProgress

	// UploadProgress reports upload activity on a swarm.
	UploadProgress

	// Completed reports that a swarm finished downloading.
	Completed

	// Update is the periodic metric snapshot pushed to subscribers.
	Update

	// ServerReady reports the URL of a provisioned content server.
	ServerReady

	// Warning relays a non-fatal engine diagnostic.
	Warning

	// Error relays an engine fault.
	Error
)

var (
	typeToString = make(map[Type]string)
	stringToType = make(map[string]Type)
)

func init() {
	typeToString[Subscribe] = "subscribe"
	typeToString[AddSwarm] = "add-swarm"
	typeToString[RequestServer] = "request-server"
	typeToString[Heartbeat] = "heartbeat"
	typeToString[Destroy] = "destroy"
	typeToString[ResourceSubscribed] = "resource-subscribed"
	typeToString[ResourceAdded] = "resource-added"
	typeToString[IdentifierResolved] = "identifier-resolved"
	typeToString[MetadataResolved] = "metadata-resolved"
	typeToString[DownloadProgress] = "download-progress"
	typeToString[UploadProgress] = "upload-progress"
	typeToString[Completed] = "completed"
	typeToString[Update] = "update"
	typeToString[ServerReady] = "server-ready"
	typeToString[Warning] = "warning"
	typeToString[Error] = "error"

	for k, v := range typeToString {
		stringToType[v] = k
	}
}

// NewType returns the proper Type given a string.
func NewType(s string) (Type, error) {
	if t, ok := stringToType[strings.ToLower(s)]; ok {
		return t, nil
	}

	return None, ErrUnknownType
}

// String implements Stringer for a Type.
func (t Type) String() string {
	if name, ok := typeToString[t]; ok {
		return name
	}

	panic("wire: type has no associated name")
}

// MarshalJSON encodes a Type as its wire string.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a Type from its wire string. Inbound messages do not
// take this path: Message.UnmarshalJSON tolerates unknown strings, this does
// not.
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	parsed, err := NewType(s)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownType, s)
	}

	*t = parsed
	return nil
}
