// Package enginetest provides an in-memory engine implementation. It performs
// no networking: tests script events and inspect join/listen counts to verify
// broker behavior, and the driver doubles as a dry-run engine for local
// development.
package enginetest

import (
	"net"
	"sync"

	"github.com/chihaya/remora/bittorrent"
	"github.com/chihaya/remora/engine"
)

// Name is the name under which this driver is registered.
const Name = "memory"

func init() {
	engine.RegisterDriver(Name, Driver{})
}

// Driver creates in-memory Instances.
type Driver struct{}

// NewInstance implements engine.Driver.
func (d Driver) NewInstance(_ interface{}) (engine.Instance, error) {
	return NewInstance(), nil
}

// Instance is an in-memory engine.Instance that records every lifecycle call.
type Instance struct {
	mu sync.Mutex

	// JoinErr, when set, makes every Join fail with it.
	JoinErr error

	joins    int
	closed   bool
	torrents map[bittorrent.InfoHash]*Torrent
	events   chan engine.Event
}

var _ engine.Instance = &Instance{}

// NewInstance creates an empty in-memory engine instance.
func NewInstance() *Instance {
	return &Instance{
		torrents: make(map[bittorrent.InfoHash]*Torrent),
		events:   make(chan engine.Event, 64),
	}
}

// Join implements engine.Instance.
func (i *Instance) Join(r bittorrent.Resource, opts engine.JoinOptions) (engine.Torrent, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.JoinErr != nil {
		return nil, i.JoinErr
	}

	i.joins++
	t := &Torrent{
		infoHash: r.InfoHash,
		desc:     engine.Description{Name: r.DisplayName},
		events:   make(chan engine.Event, 64),
	}
	i.torrents[r.InfoHash] = t

	return t, nil
}

// Events implements engine.Instance.
func (i *Instance) Events() <-chan engine.Event {
	return i.events
}

// Close implements engine.Instance.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.closed = true
	close(i.events)
	return nil
}

// Emit delivers an instance-scoped event.
func (i *Instance) Emit(ev engine.Event) {
	i.events <- ev
}

// Joins returns how many times Join was called.
func (i *Instance) Joins() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.joins
}

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Torrent returns the joined torrent for an infohash, or nil.
func (i *Instance) Torrent(ih bittorrent.InfoHash) *Torrent {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.torrents[ih]
}

// Torrent is an in-memory engine.Torrent.
type Torrent struct {
	mu sync.Mutex

	// ServerErr, when set, makes NewServer fail with it.
	ServerErr error

	// StartErr, when set, makes Server.Start fail with it after the gate
	// opens.
	StartErr error

	// StartGate, when non-nil, blocks Server.Start until the channel is
	// closed. It lets tests pile up concurrent provisioning requests.
	StartGate chan struct{}

	infoHash bittorrent.InfoHash
	desc     engine.Description
	stats    engine.Stats
	events   chan engine.Event
	dropped  bool
	servers  int
	starts   int
	stops    int
}

var _ engine.Torrent = &Torrent{}

// InfoHash implements engine.Torrent.
func (t *Torrent) InfoHash() bittorrent.InfoHash {
	return t.infoHash
}

// Describe implements engine.Torrent.
func (t *Torrent) Describe() engine.Description {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

// Stats implements engine.Torrent.
func (t *Torrent) Stats() engine.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Events implements engine.Torrent.
func (t *Torrent) Events() <-chan engine.Event {
	return t.events
}

// Drop implements engine.Torrent.
func (t *Torrent) Drop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped {
		return nil
	}
	t.dropped = true
	close(t.events)
	return nil
}

// NewServer implements engine.Torrent.
func (t *Torrent) NewServer(_ engine.ServerOptions) (engine.Server, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ServerErr != nil {
		return nil, t.ServerErr
	}

	t.servers++
	return &Server{t: t}, nil
}

// Emit delivers a swarm-scoped event.
func (t *Torrent) Emit(ev engine.Event) {
	t.events <- ev
}

// SetDescription replaces the descriptive snapshot.
func (t *Torrent) SetDescription(d engine.Description) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desc = d
}

// SetStats replaces the metric snapshot.
func (t *Torrent) SetStats(s engine.Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = s
}

// Dropped reports whether Drop was called.
func (t *Torrent) Dropped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Servers returns how many times NewServer was called.
func (t *Torrent) Servers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.servers
}

// Starts returns how many times a Server was started.
func (t *Torrent) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// Stops returns how many times a Server was stopped.
func (t *Torrent) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Server is an in-memory engine.Server bound to a fixed fake address.
type Server struct {
	t       *Torrent
	stopped bool
}

var _ engine.Server = &Server{}

// Start implements engine.Server.
func (s *Server) Start() error {
	s.t.mu.Lock()
	gate := s.t.StartGate
	s.t.starts++
	s.t.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.StartErr
}

// Addr implements engine.Server.
func (s *Server) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7070}
}

// Stop implements engine.Server.
func (s *Server) Stop() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.stopped = true
	s.t.stops++
	return nil
}
