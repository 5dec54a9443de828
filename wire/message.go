package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Options carries the optional parameters of an inbound message.
type Options struct {
	// Server requests auxiliary content server provisioning on add-swarm.
	Server bool `json:"server,omitempty"`

	// DelayMS postpones a destroy by the given number of milliseconds.
	DelayMS int64 `json:"delay,omitempty"`
}

// Delay returns the destroy delay as a Duration.
func (o *Options) Delay() time.Duration {
	if o == nil {
		return 0
	}
	return time.Duration(o.DelayMS) * time.Millisecond
}

// Message is one inbound control message.
//
// ClientKey and Type form the common envelope; the remaining fields are
// required or ignored depending on the Type, as enforced by Validate.
type Message struct {
	ClientKey  string   `json:"clientKey"`
	Type       Type     `json:"type"`
	SwarmKey   string   `json:"swarmKey,omitempty"`
	ResourceID string   `json:"resourceId,omitempty"`
	Options    *Options `json:"options,omitempty"`

	// RawType preserves the type string as received, for diagnostics when
	// the type is unknown.
	RawType string `json:"-"`
}

type messageJSON struct {
	ClientKey  string   `json:"clientKey"`
	Type       string   `json:"type"`
	SwarmKey   string   `json:"swarmKey"`
	ResourceID string   `json:"resourceId"`
	Options    *Options `json:"options"`
}

// UnmarshalJSON decodes an inbound message.
//
// An unknown type string does not fail the decode: the message is returned
// with Type None so that the router can still count it as a liveness signal
// and log the offending string from RawType.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	m.ClientKey = raw.ClientKey
	m.SwarmKey = raw.SwarmKey
	m.ResourceID = raw.ResourceID
	m.Options = raw.Options
	m.RawType = raw.Type
	m.Type, _ = NewType(raw.Type)

	return nil
}

// requiredFields maps each inbound Type to the fields it cannot do without.
// Subscribe deliberately omits resourceId: an absent or malformed identifier
// degrades to a null-resource response rather than a validation failure.
var requiredFields = map[Type]struct {
	swarmKey   bool
	resourceID bool
}{
	Subscribe:     {swarmKey: true},
	AddSwarm:      {swarmKey: true, resourceID: true},
	RequestServer: {swarmKey: true},
	Heartbeat:     {},
	Destroy:       {},
}

// Validate reports whether the message carries a known inbound type and every
// field that type requires.
func (m Message) Validate() error {
	if m.ClientKey == "" {
		return fmt.Errorf("message missing clientKey")
	}

	req, ok := requiredFields[m.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.RawType)
	}

	if req.swarmKey && m.SwarmKey == "" {
		return fmt.Errorf("%s message missing swarmKey", m.Type)
	}
	if req.resourceID && m.ResourceID == "" {
		return fmt.Errorf("%s message missing resourceId", m.Type)
	}

	return nil
}
