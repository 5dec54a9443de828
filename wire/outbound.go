package wire

// File describes one file inside a swarm's content.
type File struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Resource is the payload of an outbound message: either a descriptive
// snapshot (name, infohash, files) or a metric snapshot (progress, speeds),
// depending on the message type. A nil Resource encodes as null, which is the
// legal answer to a subscribe that matched nothing.
type Resource struct {
	Name      string `json:"name,omitempty"`
	InfoHash  string `json:"infoHash,omitempty"`
	Length    int64  `json:"length,omitempty"`
	ServerURL string `json:"serverURL,omitempty"`
	Files     []File `json:"files,omitempty"`

	Progress      float64 `json:"progress,omitempty"`
	Downloaded    int64   `json:"downloaded,omitempty"`
	Uploaded      int64   `json:"uploaded,omitempty"`
	DownloadSpeed float64 `json:"downloadSpeed,omitempty"`
	UploadSpeed   float64 `json:"uploadSpeed,omitempty"`
	Ratio         float64 `json:"ratio,omitempty"`
	PeerCount     int     `json:"peerCount,omitempty"`
	TimeRemaining int64   `json:"timeRemaining,omitempty"`
}

// ErrorDetail is the payload of warning and error messages.
type ErrorDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Outbound is one message addressed to a single client. The broker emits one
// Outbound per subscription when fanning an event out to a swarm's
// subscribers, each carrying that subscription's own key pair.
type Outbound struct {
	ClientKey string       `json:"clientKey"`
	SwarmKey  string       `json:"swarmKey,omitempty"`
	Type      Type         `json:"type"`
	Resource  *Resource    `json:"resource"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// NewOutbound builds an outbound message carrying a resource payload.
func NewOutbound(t Type, clientKey, swarmKey string, r *Resource) Outbound {
	return Outbound{
		ClientKey: clientKey,
		SwarmKey:  swarmKey,
		Type:      t,
		Resource:  r,
	}
}

// NewOutboundError builds a warning or error message.
func NewOutboundError(t Type, clientKey, swarmKey string, err error) Outbound {
	return Outbound{
		ClientKey: clientKey,
		SwarmKey:  swarmKey,
		Type:      t,
		Error:     &ErrorDetail{Message: err.Error()},
	}
}
