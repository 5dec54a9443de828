package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/remora/bittorrent"
	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/engine/enginetest"
	"github.com/chihaya/remora/wire"
)

const (
	hashX = "0101010101010101010101010101010101010101"
	hashY = "0202020202020202020202020202020202020202"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []wire.Outbound
}

func (r *recordingSender) Send(m wire.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recordingSender) all() []wire.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Outbound(nil), r.msgs...)
}

func (r *recordingSender) byType(t wire.Type) []wire.Outbound {
	var out []wire.Outbound
	for _, m := range r.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingSender) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

type harness struct {
	b      *Broker
	clk    *clock.Mock
	sender *recordingSender

	mu        sync.Mutex
	instances []*enginetest.Instance
}

// newHarness builds a broker on a mock clock with a sweep interval long
// enough that sweeps only happen when a test asks for one.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}

	h := &harness{
		clk:    clock.NewMock(),
		sender: &recordingSender{},
	}

	factory := func() (engine.Instance, error) {
		i := enginetest.NewInstance()
		h.mu.Lock()
		h.instances = append(h.instances, i)
		h.mu.Unlock()
		return i, nil
	}

	b, err := newBroker(cfg, factory, h.sender, h.clk)
	require.NoError(t, err)
	h.b = b

	t.Cleanup(func() {
		for err := range h.b.Stop() {
			require.NoError(t, errors.Join(err...))
		}
	})

	return h
}

// sync waits until every previously posted op has been executed.
func (h *harness) sync() {
	done := make(chan struct{})
	h.b.post(func() { close(done) })
	<-done
}

// sweep runs one sweep tick inside the loop and waits for it.
func (h *harness) sweep() {
	h.b.post(func() { h.b.sweep() })
	h.sync()
}

func (h *harness) instanceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.instances)
}

func (h *harness) instance(i int) *enginetest.Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances[i]
}

func (h *harness) receive(m wire.Message) {
	h.b.Receive(m)
	h.sync()
}

func addSwarm(clientKey, swarmKey, resourceID string) wire.Message {
	return wire.Message{ClientKey: clientKey, Type: wire.AddSwarm, SwarmKey: swarmKey, ResourceID: resourceID}
}

func TestAddSwarmCreatesInstanceLazily(t *testing.T) {
	h := newHarness(t, Config{})

	require.Zero(t, h.instanceCount(), "instance must not exist before the first join")

	h.receive(addSwarm("a", "k1", hashX))

	require.Equal(t, 1, h.instanceCount())
	require.Equal(t, 1, h.instance(0).Joins())

	added := h.sender.byType(wire.ResourceAdded)
	require.Len(t, added, 1)
	require.Equal(t, "a", added[0].ClientKey)
	require.Equal(t, "k1", added[0].SwarmKey)
	require.NotNil(t, added[0].Resource)
	require.Equal(t, hashX, added[0].Resource.InfoHash)
}

func TestSubscribeIsReadOnly(t *testing.T) {
	h := newHarness(t, Config{})

	table := []struct {
		name       string
		resourceID string
	}{
		{"absent identifier", ""},
		{"malformed identifier", "not a magnet"},
		{"valid identifier not joined", hashX},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			h.sender.clear()
			h.receive(wire.Message{ClientKey: "a", Type: wire.Subscribe, SwarmKey: "k", ResourceID: tt.resourceID})

			subscribed := h.sender.byType(wire.ResourceSubscribed)
			require.Len(t, subscribed, 1)
			require.Nil(t, subscribed[0].Resource, "miss must answer with a null resource")
			require.Zero(t, h.instanceCount(), "subscribe must never create the instance")
		})
	}
}

func TestSubscribeAttachesToExistingSwarm(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.sender.clear()

	h.receive(wire.Message{ClientKey: "b", Type: wire.Subscribe, SwarmKey: "k2", ResourceID: hashX})

	subscribed := h.sender.byType(wire.ResourceSubscribed)
	require.Len(t, subscribed, 1)
	require.NotNil(t, subscribed[0].Resource)
	require.Equal(t, hashX, subscribed[0].Resource.InfoHash)
	require.Equal(t, 1, h.instance(0).Joins(), "subscribe must not join")

	// Both subscriptions now receive fan-out.
	h.sender.clear()
	h.sweep()
	updates := h.sender.byType(wire.Update)
	require.Len(t, updates, 2)
}

func TestSameClientTwoSwarmKeysOneJoin(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("a", "k2", hashX))

	require.Equal(t, 1, h.instance(0).Joins(), "same infohash must not join twice")

	h.sender.clear()
	h.sweep()

	updates := h.sender.byType(wire.Update)
	require.Len(t, updates, 2, "two subscriptions yield two update messages")

	keys := map[string]bool{}
	for _, m := range updates {
		require.Equal(t, "a", m.ClientKey)
		keys[m.SwarmKey] = true
	}
	require.True(t, keys["k1"] && keys["k2"], "each message carries its own swarm key")
}

func TestAddSwarmDuplicatePairIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("a", "k1", hashX))

	h.sender.clear()
	h.sweep()
	require.Len(t, h.sender.byType(wire.Update), 1)
}

func TestAttachSnapshotPolicy(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.receive(addSwarm("a", "k1", hashX))
		h.sender.clear()

		h.receive(addSwarm("b", "k2", hashX))
		require.Len(t, h.sender.byType(wire.ResourceAdded), 1)
		require.Len(t, h.sender.byType(wire.Update), 1, "attaching emits a synthetic metric snapshot")
	})

	t.Run("deferred", func(t *testing.T) {
		h := newHarness(t, Config{DeferSnapshots: true})
		h.receive(addSwarm("a", "k1", hashX))
		h.sender.clear()

		h.receive(addSwarm("b", "k2", hashX))
		require.Len(t, h.sender.byType(wire.ResourceAdded), 1)
		require.Empty(t, h.sender.byType(wire.Update), "snapshot deferred to the next tick")

		h.sender.clear()
		h.sweep()
		require.Len(t, h.sender.byType(wire.Update), 2, "next tick reaches the new subscriber")
	})
}

func TestEventFanOut(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("b", "k2", hashX))
	h.sender.clear()

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	tor.SetDescription(engine.Description{Name: "content", Length: 42})
	tor.Emit(engine.Event{Kind: engine.EventMetadataResolved})

	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.MetadataResolved)) == 2
	}, time.Second, time.Millisecond)

	for _, m := range h.sender.byType(wire.MetadataResolved) {
		require.Equal(t, "content", m.Resource.Name)
		require.EqualValues(t, 42, m.Resource.Length)
	}
}

func TestSwarmWarningRelayedToSubscribersOnly(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("b", "k2", hashY))
	h.sender.clear()

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	tor.Emit(engine.Event{Kind: engine.EventWarning, Err: errors.New("tracker unreachable")})

	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.Warning)) == 1
	}, time.Second, time.Millisecond)

	warnings := h.sender.byType(wire.Warning)
	require.Equal(t, "a", warnings[0].ClientKey)
	require.Equal(t, "tracker unreachable", warnings[0].Error.Message)
}

func TestInstanceFaultBroadcast(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(wire.Message{ClientKey: "b", Type: wire.Heartbeat})
	h.sender.clear()

	h.instance(0).Emit(engine.Event{Kind: engine.EventFault, Err: errors.New("engine wedged")})

	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.Error)) == 2
	}, time.Second, time.Millisecond)

	for _, m := range h.sender.byType(wire.Error) {
		require.Empty(t, m.SwarmKey, "instance faults are not swarm scoped")
		require.Equal(t, "engine wedged", m.Error.Message)
	}
}

func TestServerProvisioningCoalesces(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("b", "k2", hashX))
	h.receive(addSwarm("c", "k3", hashX))

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	gate := make(chan struct{})
	tor.StartGate = gate

	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "k1"})
	h.receive(wire.Message{ClientKey: "b", Type: wire.RequestServer, SwarmKey: "k2"})
	h.receive(wire.Message{ClientKey: "c", Type: wire.RequestServer, SwarmKey: "k3"})

	require.Equal(t, 1, tor.Servers(), "concurrent requests must coalesce onto one listen")
	require.Empty(t, h.sender.byType(wire.ServerReady))

	close(gate)

	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.ServerReady)) == 3
	}, time.Second, time.Millisecond)

	ready := h.sender.byType(wire.ServerReady)
	url := ready[0].Resource.ServerURL
	require.NotEmpty(t, url)
	for _, m := range ready {
		require.Equal(t, url, m.Resource.ServerURL, "every waiter sees the identical URL")
	}

	// Once ready, further requests answer from cache without new work.
	h.sender.clear()
	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "k1"})
	require.Equal(t, 1, tor.Servers())
	require.Equal(t, 1, tor.Starts())
	ready = h.sender.byType(wire.ServerReady)
	require.Len(t, ready, 1)
	require.Equal(t, url, ready[0].Resource.ServerURL)
}

func TestDropWhilePendingProvisionReleasesListener(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	gate := make(chan struct{})
	tor.StartGate = gate

	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "k1"})
	require.Equal(t, 1, tor.Servers())

	// The sole subscriber goes away while the listen is still in flight.
	// The cascade must not touch the half-started server from the loop.
	h.receive(wire.Message{ClientKey: "a", Type: wire.Destroy})

	require.True(t, tor.Dropped())
	require.True(t, h.instance(0).Closed())
	require.Zero(t, tor.Stops(), "a pending server is left to its start goroutine")

	// Once the listen completes, the stale completion releases it.
	close(gate)
	require.Eventually(t, func() bool {
		return tor.Stops() == 1
	}, time.Second, time.Millisecond)

	require.Empty(t, h.sender.byType(wire.ServerReady))
}

func TestServerStartFailureWarnsWaiters(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("b", "k2", hashX))

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	gate := make(chan struct{})
	tor.StartGate = gate
	tor.StartErr = errors.New("bind: address already in use")

	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "k1"})
	h.receive(wire.Message{ClientKey: "b", Type: wire.RequestServer, SwarmKey: "k2"})
	close(gate)

	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.Warning)) == 2
	}, time.Second, time.Millisecond)

	warnings := h.sender.byType(wire.Warning)
	keys := map[string]bool{}
	for _, m := range warnings {
		require.Equal(t, "bind: address already in use", m.Error.Message)
		keys[m.SwarmKey] = true
	}
	require.True(t, keys["k1"] && keys["k2"], "every waiter hears about the failure")
	require.Empty(t, h.sender.byType(wire.ServerReady))

	// The failure resets the state machine: a later request retries the
	// listen instead of reporting a dead server.
	tor.StartErr = nil
	tor.StartGate = nil
	h.sender.clear()

	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "k1"})

	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.ServerReady)) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 2, tor.Servers())
	require.Equal(t, 2, tor.Starts())
}

func TestWaiterExpiryMidProvisioning(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("b", "k2", hashX))

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	gate := make(chan struct{})
	tor.StartGate = gate

	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "k1"})
	h.receive(wire.Message{ClientKey: "b", Type: wire.RequestServer, SwarmKey: "k2"})
	require.Equal(t, 1, tor.Servers())

	// B leaves while the listen is in flight. It just misses its
	// notification; the swarm and the listen both survive.
	h.receive(wire.Message{ClientKey: "b", Type: wire.Destroy})
	require.False(t, tor.Dropped())

	close(gate)
	require.Eventually(t, func() bool {
		return len(h.sender.byType(wire.ServerReady)) == 1
	}, time.Second, time.Millisecond)

	ready := h.sender.byType(wire.ServerReady)
	require.Equal(t, "a", ready[0].ClientKey)
	require.Equal(t, "k1", ready[0].SwarmKey)
	url := ready[0].Resource.ServerURL
	require.NotEmpty(t, url)

	// The URL stays recorded for anyone who asks later.
	h.sender.clear()
	h.receive(addSwarm("c", "k3", hashX))
	h.receive(wire.Message{ClientKey: "c", Type: wire.RequestServer, SwarmKey: "k3"})

	ready = h.sender.byType(wire.ServerReady)
	require.Len(t, ready, 1)
	require.Equal(t, url, ready[0].Resource.ServerURL)
	require.Equal(t, 1, tor.Starts(), "the cached URL answers without a new listen")
}

func TestRequestServerUnknownKey(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.sender.clear()

	h.receive(wire.Message{ClientKey: "a", Type: wire.RequestServer, SwarmKey: "nope"})

	warnings := h.sender.byType(wire.Warning)
	require.Len(t, warnings, 1)
	require.Equal(t, "nope", warnings[0].SwarmKey)

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	require.Zero(t, tor.Servers(), "unknown keys must not provision")
}

func TestExpiryCascade(t *testing.T) {
	h := newHarness(t, Config{})

	// Two clients share the swarm for X.
	h.receive(addSwarm("a", "k1", hashX))
	h.receive(addSwarm("b", "k2", hashX))
	require.Equal(t, 1, h.instance(0).Joins())

	// A stays fresh, B goes stale.
	h.clk.Add(20 * time.Second)
	h.receive(wire.Message{ClientKey: "a", Type: wire.Heartbeat})
	h.clk.Add(15 * time.Second)

	h.sender.clear()
	h.sweep()

	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))
	require.False(t, tor.Dropped(), "swarm must survive while a subscriber remains")
	require.False(t, h.instance(0).Closed())

	updates := h.sender.byType(wire.Update)
	require.Len(t, updates, 1, "expired client receives no fan-out")
	require.Equal(t, "a", updates[0].ClientKey)

	// Now A goes stale too.
	h.clk.Add(31 * time.Second)
	h.sweep()

	require.True(t, tor.Dropped(), "swarm with zero subscriptions is destroyed")
	require.True(t, h.instance(0).Closed(), "instance with zero swarms is destroyed")

	// The system is back in its lazy-uninitialized state: a new add-swarm
	// re-creates everything.
	h.receive(addSwarm("a", "k1", hashX))
	require.Equal(t, 2, h.instanceCount())
	require.Equal(t, 1, h.instance(1).Joins())
}

func TestAnyMessageRefreshesLiveness(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))

	// Keep issuing non-heartbeat traffic past the timeout window.
	for i := 0; i < 4; i++ {
		h.clk.Add(20 * time.Second)
		h.receive(wire.Message{ClientKey: "a", Type: wire.Subscribe, SwarmKey: "k1", ResourceID: hashX})
		h.sweep()
	}

	require.False(t, h.instance(0).Closed(), "active traffic keeps the client alive without heartbeats")
}

func TestClientTimeoutDisabled(t *testing.T) {
	h := newHarness(t, Config{ClientTimeout: -1})

	h.receive(addSwarm("a", "k1", hashX))
	h.clk.Add(24 * time.Hour)
	h.sweep()

	require.False(t, h.instance(0).Closed(), "negative timeout disables expiry")
}

func TestDestroyImmediate(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(wire.Message{ClientKey: "a", Type: wire.Destroy})

	require.True(t, h.instance(0).Closed(), "destroy cascades like expiry")
}

func TestDestroyDelayed(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	h.receive(wire.Message{ClientKey: "a", Type: wire.Destroy, Options: &wire.Options{DelayMS: 5000}})

	require.False(t, h.instance(0).Closed(), "client survives until the delay elapses")

	h.clk.Add(6 * time.Second)

	require.Eventually(t, func() bool {
		return h.instance(0).Closed()
	}, time.Second, time.Millisecond)
}

func TestUnknownMessageTypeNonFatal(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(wire.Message{ClientKey: "a", RawType: "frobnicate"})
	h.receive(wire.Message{ClientKey: "a", Type: wire.Update})

	// The broker is still alive and the garbage still counted as liveness.
	h.receive(addSwarm("a", "k1", hashX))
	require.Equal(t, 1, h.instanceCount())
}

func TestJoinFailureDegradesToWarning(t *testing.T) {
	h := newHarness(t, Config{})

	// Prime the harness so the next instance fails joins.
	h.receive(addSwarm("a", "k1", hashX))
	h.receive(wire.Message{ClientKey: "a", Type: wire.Destroy})
	require.True(t, h.instance(0).Closed())

	h.b.post(func() {
		h.b.newInstance = func() (engine.Instance, error) {
			i := enginetest.NewInstance()
			i.JoinErr = errors.New("no route to peers")
			h.mu.Lock()
			h.instances = append(h.instances, i)
			h.mu.Unlock()
			return i, nil
		}
	})
	h.sync()

	h.sender.clear()
	h.receive(addSwarm("a", "k1", hashX))

	warnings := h.sender.byType(wire.Warning)
	require.Len(t, warnings, 1)
	require.Equal(t, "no route to peers", warnings[0].Error.Message)
	require.True(t, h.instance(1).Closed(), "a join failure with no swarms re-absents the instance")
}

func TestStopTearsDown(t *testing.T) {
	h := newHarness(t, Config{})

	h.receive(addSwarm("a", "k1", hashX))
	tor := h.instance(0).Torrent(bittorrent.InfoHashFromHexString(hashX))

	for err := range h.b.Stop() {
		require.NoError(t, errors.Join(err...))
	}

	require.True(t, tor.Dropped())
	require.True(t, h.instance(0).Closed())
}
