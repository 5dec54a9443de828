// Package engine abstracts the peer-to-peer transfer engine behind a small
// boundary so that the broker never handles engine types directly. Engines
// are provided by Drivers that register themselves by name, mirroring how
// database/sql drivers work.
package engine

import (
	"net"
	"time"

	"github.com/chihaya/remora/bittorrent"
)

// EventKind discriminates the lifecycle events emitted by an Instance or a
// Torrent.
type EventKind uint8

const (
	// EventIdentifierResolved fires once the engine has accepted a resource
	// identifier and knows its infohash.
	EventIdentifierResolved EventKind = iota

	// EventMetadataResolved fires once the engine has fetched the swarm's
	// metadata and Describe returns real values.
	EventMetadataResolved

	// EventDownload fires when download progress was made.
	EventDownload

	// EventUpload fires when upload progress was made.
	EventUpload

	// EventCompleted fires once when all content has been downloaded.
	EventCompleted

	// EventWarning reports a non-fatal engine diagnostic. Err is set.
	EventWarning

	// EventFault reports an engine failure. Err is set. The swarm or
	// instance that emitted it keeps running; there is no retry.
	EventFault
)

var eventKindToString = map[EventKind]string{
	EventIdentifierResolved: "identifier-resolved",
	EventMetadataResolved:   "metadata-resolved",
	EventDownload:           "download",
	EventUpload:             "upload",
	EventCompleted:          "completed",
	EventWarning:            "warning",
	EventFault:              "fault",
}

// String implements Stringer for an EventKind.
func (k EventKind) String() string {
	if name, ok := eventKindToString[k]; ok {
		return name
	}

	panic("engine: event kind has no associated name")
}

// Event is one asynchronous notification from the engine. Err is non-nil for
// warning and fault events only.
type Event struct {
	Kind EventKind
	Err  error
}

// JoinOptions carries the per-join parameters of an Instance.Join call.
type JoinOptions struct {
	// Upload enables seeding the joined swarm back to its peers.
	Upload bool
}

// ServerOptions carries the parameters of a Torrent.NewServer call.
type ServerOptions struct {
	// Addr is the listen address of the content server. An empty Addr or a
	// ":0" port lets the operating system pick.
	Addr string
}

// FileInfo describes one file of a swarm's content.
type FileInfo struct {
	Path   string
	Length int64
}

// Description is the descriptive snapshot of a swarm. All fields are zero
// until the engine resolves the swarm's metadata.
type Description struct {
	Name   string
	Length int64
	Files  []FileInfo
}

// Stats is the live metric snapshot of a swarm.
type Stats struct {
	Progress      float64
	Downloaded    int64
	Uploaded      int64
	DownloadSpeed float64
	UploadSpeed   float64
	Ratio         float64
	PeerCount     int
	TimeRemaining time.Duration
}

// Instance is one running transfer engine. The broker creates it lazily on
// the first join and closes it once the last swarm is dropped.
type Instance interface {
	// Join adds a swarm for the given resource. Joining the same infohash
	// twice without dropping is driver-defined behavior; the broker never
	// does it.
	Join(r bittorrent.Resource, opts JoinOptions) (Torrent, error)

	// Events returns the instance-scoped event stream (warnings and faults
	// not attributable to one swarm). The channel is closed by Close.
	Events() <-chan Event

	// Close tears the engine down, dropping any remaining swarms.
	Close() error
}

// Torrent is the handle of one joined swarm.
type Torrent interface {
	InfoHash() bittorrent.InfoHash

	// Describe returns the current descriptive snapshot.
	Describe() Description

	// Stats returns the current metric snapshot.
	Stats() Stats

	// Events returns the swarm-scoped event stream. The channel is closed
	// by Drop.
	Events() <-chan Event

	// NewServer creates a content server for this swarm. The server is not
	// listening until Start is called.
	NewServer(opts ServerOptions) (Server, error)

	// Drop removes the swarm from the engine.
	Drop() error
}

// Server is an auxiliary request/response server exposing one swarm's
// content.
type Server interface {
	// Start binds the listener and begins serving in the background.
	Start() error

	// Addr returns the bound address. Only valid after Start.
	Addr() net.Addr

	// Stop shuts the server down.
	Stop() error
}
