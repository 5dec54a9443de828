// Package broker implements the control-plane core: it multiplexes many
// remote clients onto a shared set of swarms held by one lazily created
// transfer engine instance.
//
// A single goroutine owns the client registry, the swarm registry and the
// engine instance. Inbound messages, engine events, provisioning completions
// and the sweep tick are all funneled into that goroutine, so no handler ever
// observes the registries mid-mutation.
package broker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chihaya/remora/bittorrent"
	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/pkg/stop"
	"github.com/chihaya/remora/wire"
)

func init() {
	prometheus.MustRegister(promClientsCount)
	prometheus.MustRegister(promSwarmsCount)
	prometheus.MustRegister(promMessagesTotal)
	prometheus.MustRegister(promSweepDurationMilliseconds)
}

var promClientsCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "remora_clients_count",
	Help: "The number of clients currently tracked",
})

var promSwarmsCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "remora_swarms_count",
	Help: "The number of swarms currently joined",
})

var promMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "remora_messages_total",
	Help: "The number of inbound control messages received",
}, []string{"type"})

var promSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "remora_sweep_duration_milliseconds",
	Help:    "The time it takes to perform one liveness sweep",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

// recordSweepDuration records the duration of one sweep tick.
func recordSweepDuration(duration time.Duration) {
	promSweepDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// Sender delivers outbound messages to remote clients. Implementations must
// not block: the broker loop calls Send inline.
type Sender interface {
	Send(m wire.Outbound)
}

// InstanceFactory creates the engine instance on demand. The broker calls it
// on the first join after the instance was absent; cmd wires it to the
// configured engine driver.
type InstanceFactory func() (engine.Instance, error)

// ErrInvalidSweepInterval is returned for a SweepInterval that is less than
// or equal to zero.
var ErrInvalidSweepInterval = bittorrent.ClientError("invalid sweep interval")

// Config holds the configuration of a Broker.
type Config struct {
	// SweepInterval is the period of the liveness sweep and of the pushed
	// metric updates.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ClientTimeout is the heartbeat staleness window. Zero picks the
	// default of 30s; a negative value disables client expiry.
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// DeferSnapshots makes a subscriber attached to an existing swarm wait
	// for the next sweep tick instead of receiving an immediate synthetic
	// snapshot.
	DeferSnapshots bool `yaml:"defer_snapshots"`

	// EnableUpload lets joined swarms seed back to their peers.
	EnableUpload bool `yaml:"enable_upload"`

	// ServerAddr is the listen address handed to provisioned content
	// servers. An empty address picks an ephemeral port.
	ServerAddr string `yaml:"server_addr"`

	// ServerHost is the hostname advertised in provisioned server URLs.
	ServerHost string `yaml:"server_host"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"sweepInterval":  cfg.SweepInterval,
		"clientTimeout":  cfg.ClientTimeout,
		"deferSnapshots": cfg.DeferSnapshots,
		"enableUpload":   cfg.EnableUpload,
		"serverAddr":     cfg.ServerAddr,
		"serverHost":     cfg.ServerHost,
	}
}

// Validate sanity checks the config and fills in defaults.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.SweepInterval == 0 {
		validcfg.SweepInterval = time.Second
	}
	if cfg.ClientTimeout == 0 {
		validcfg.ClientTimeout = 30 * time.Second
	}
	if cfg.ServerHost == "" {
		validcfg.ServerHost = "localhost"
	}
	return validcfg
}

// client is one remote principal, tracked purely by heartbeat.
type client struct {
	key      string
	lastSeen time.Time
}

// subscription binds one (clientKey, swarmKey) pair to a swarm. The swarmKey
// is the client's own correlation token, not the infohash.
type subscription struct {
	clientKey string
	swarmKey  string
}

// provisionState is the per-swarm server provisioning state machine.
type provisionState uint8

const (
	provisionNone provisionState = iota
	provisionPending
	provisionReady
)

// swarm is one joined engine resource plus its ordered subscriber set.
type swarm struct {
	infoHash bittorrent.InfoHash
	handle   engine.Torrent

	subs []subscription

	provision provisionState
	waiters   []subscription
	server    engine.Server
	serverURL string
}

// subscribe adds a subscription, ignoring an exact duplicate pair. The same
// clientKey may appear any number of times under distinct swarmKeys.
func (s *swarm) subscribe(sub subscription) bool {
	for _, existing := range s.subs {
		if existing == sub {
			return false
		}
	}
	s.subs = append(s.subs, sub)
	return true
}

// subscribed reports whether the exact pair is subscribed.
func (s *swarm) subscribed(sub subscription) bool {
	for _, existing := range s.subs {
		if existing == sub {
			return true
		}
	}
	return false
}

// Broker is the control-plane core.
type Broker struct {
	cfg         Config
	clk         clock.Clock
	sender      Sender
	newInstance InstanceFactory

	ops      chan func()
	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the run loop. Never touched from any other goroutine.
	clients  map[string]*client
	swarms   map[bittorrent.InfoHash]*swarm
	instance engine.Instance
}

// New creates a Broker and starts its message loop.
func New(cfg Config, factory InstanceFactory, sender Sender) (*Broker, error) {
	return newBroker(cfg, factory, sender, clock.New())
}

func newBroker(cfg Config, factory InstanceFactory, sender Sender, clk clock.Clock) (*Broker, error) {
	cfg = cfg.Validate()
	if cfg.SweepInterval <= 0 {
		return nil, ErrInvalidSweepInterval
	}

	b := &Broker{
		cfg:         cfg,
		clk:         clk,
		sender:      sender,
		newInstance: factory,
		ops:         make(chan func(), 1024),
		closing:     make(chan struct{}),
		clients:     make(map[string]*client),
		swarms:      make(map[bittorrent.InfoHash]*swarm),
	}

	b.wg.Add(1)
	go b.run()

	log.Info("broker started", cfg)

	return b, nil
}

// run is the single-writer loop.
func (b *Broker) run() {
	defer b.wg.Done()

	ticker := b.clk.Ticker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closing:
			return
		case op := <-b.ops:
			op()
		case <-ticker.C:
			b.sweep()
		}
	}
}

// post funnels a mutation into the run loop. Posts made after Stop are
// dropped.
func (b *Broker) post(fn func()) {
	select {
	case b.ops <- fn:
	case <-b.closing:
	}
}

// Receive accepts one inbound control message. It never blocks on I/O and
// returns before the message is handled.
func (b *Broker) Receive(m wire.Message) {
	b.post(func() { b.handle(m) })
}

// Stop tears down every swarm and the engine instance, then shuts the loop
// down.
func (b *Broker) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		b.stopOnce.Do(func() {
			done := make(chan struct{})
			b.ops <- func() {
				b.teardownAll()
				close(done)
			}
			<-done
			close(b.closing)
		})
		b.wg.Wait()
		c.Done()
	}()

	return c.Result()
}

// touch refreshes a client's liveness, creating it on first sight. Every
// inbound message counts as a liveness signal regardless of its kind.
func (b *Broker) touch(key string) {
	c, ok := b.clients[key]
	if !ok {
		c = &client{key: key}
		b.clients[key] = c
		promClientsCount.Inc()
		log.Debug("client created", log.Fields{"clientKey": key})
	}
	c.lastSeen = b.clk.Now()
}

// sweep expires stale clients, cascades their teardown and pushes a metric
// snapshot to every remaining swarm's subscribers.
func (b *Broker) sweep() {
	start := b.clk.Now()

	if b.cfg.ClientTimeout > 0 {
		var expired []string
		for key, c := range b.clients {
			if start.Sub(c.lastSeen) > b.cfg.ClientTimeout {
				expired = append(expired, key)
			}
		}
		if len(expired) > 0 {
			log.Debug("expiring stale clients", log.Fields{"count": len(expired)})
			b.removeClients(expired)
		}
	}

	for _, s := range b.swarms {
		b.sendToSwarm(s, wire.Update, b.metricResource(s))
	}

	recordSweepDuration(b.clk.Now().Sub(start))
}

// removeClients is the cascading teardown: clients go, then their
// subscriptions, then empty swarms, then the instance once no swarm remains.
func (b *Broker) removeClients(keys []string) {
	removed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := b.clients[key]; !ok {
			continue
		}
		delete(b.clients, key)
		removed[key] = struct{}{}
		promClientsCount.Dec()
	}
	if len(removed) == 0 {
		return
	}

	for _, s := range b.swarms {
		s.subs = filterSubs(s.subs, removed)

		// A waiter that died mid-provisioning just misses its
		// notification; the listen runs to completion and the swarm
		// keeps the URL for future requesters.
		s.waiters = filterSubs(s.waiters, removed)

		if len(s.subs) == 0 {
			b.dropSwarm(s)
		}
	}

	if len(b.swarms) == 0 && b.instance != nil {
		b.closeInstance()
	}
}

func filterSubs(subs []subscription, removed map[string]struct{}) []subscription {
	kept := subs[:0]
	for _, sub := range subs {
		if _, gone := removed[sub.clientKey]; !gone {
			kept = append(kept, sub)
		}
	}
	return kept
}

// dropSwarm destroys one swarm at the engine level and unregisters it.
func (b *Broker) dropSwarm(s *swarm) {
	// A pending listen still belongs to the goroutine running Start;
	// provisionDone releases the listener once Start returns and finds the
	// swarm gone.
	if s.server != nil && s.provision != provisionPending {
		if err := s.server.Stop(); err != nil {
			log.Error("failed to stop content server", log.Err(err), log.Fields{"infoHash": s.infoHash})
		}
	}
	if err := s.handle.Drop(); err != nil {
		log.Error("failed to drop swarm", log.Err(err), log.Fields{"infoHash": s.infoHash})
	}

	delete(b.swarms, s.infoHash)
	promSwarmsCount.Dec()
	log.Info("swarm dropped", log.Fields{"infoHash": s.infoHash})
}

// closeInstance returns the engine to its lazy-uninitialized state.
func (b *Broker) closeInstance() {
	if err := b.instance.Close(); err != nil {
		log.Error("failed to close engine instance", log.Err(err))
	}
	b.instance = nil
	log.Info("engine instance closed")
}

// teardownAll is the shutdown path: every swarm and the instance go away.
func (b *Broker) teardownAll() {
	for _, s := range b.swarms {
		b.dropSwarm(s)
	}
	if b.instance != nil {
		b.closeInstance()
	}
}
