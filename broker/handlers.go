package broker

import (
	"fmt"

	"github.com/chihaya/remora/bittorrent"
	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/wire"
)

// handle dispatches one inbound message inside the run loop.
//
// The client is touched before validation so that even a malformed message
// keeps its sender alive. No failure in here is fatal: bad input degrades to
// a diagnostic or an outbound warning and the loop moves on.
func (b *Broker) handle(m wire.Message) {
	if m.ClientKey == "" {
		log.Debug("dropping message without clientKey")
		return
	}

	b.touch(m.ClientKey)
	promMessagesTotal.WithLabelValues(typeLabel(m)).Inc()

	if err := m.Validate(); err != nil {
		log.Warn("dropping invalid message", log.Err(err), log.Fields{
			"clientKey": m.ClientKey,
			"type":      m.RawType,
		})
		return
	}

	switch m.Type {
	case wire.Subscribe:
		b.handleSubscribe(m)
	case wire.AddSwarm:
		b.handleAddSwarm(m)
	case wire.RequestServer:
		b.handleRequestServer(m)
	case wire.Heartbeat:
		b.handleHeartbeat(m)
	case wire.Destroy:
		b.handleDestroy(m)
	}
}

func typeLabel(m wire.Message) string {
	if m.Type == wire.None {
		return "unknown"
	}
	return m.Type.String()
}

// handleSubscribe is strictly read-only: it never creates the engine instance
// and never joins a swarm. A miss of any kind answers with a null resource.
func (b *Broker) handleSubscribe(m wire.Message) {
	r, err := bittorrent.ParseResourceID(m.ResourceID)
	if err != nil {
		b.sender.Send(wire.NewOutbound(wire.ResourceSubscribed, m.ClientKey, m.SwarmKey, nil))
		return
	}

	s, ok := b.swarms[r.InfoHash]
	if !ok {
		b.sender.Send(wire.NewOutbound(wire.ResourceSubscribed, m.ClientKey, m.SwarmKey, nil))
		return
	}

	s.subscribe(subscription{clientKey: m.ClientKey, swarmKey: m.SwarmKey})
	b.sender.Send(wire.NewOutbound(wire.ResourceSubscribed, m.ClientKey, m.SwarmKey, b.fullResource(s)))
}

// handleAddSwarm joins a new swarm or attaches to the existing one for the
// same infohash, lazily creating the engine instance on the way.
func (b *Broker) handleAddSwarm(m wire.Message) {
	r, err := bittorrent.ParseResourceID(m.ResourceID)
	if err != nil {
		b.sender.Send(wire.NewOutboundError(wire.Warning, m.ClientKey, m.SwarmKey, err))
		return
	}

	if b.instance == nil {
		instance, err := b.newInstance()
		if err != nil {
			log.Error("failed to create engine instance", log.Err(err))
			b.sender.Send(wire.NewOutboundError(wire.Error, m.ClientKey, m.SwarmKey, err))
			return
		}
		b.instance = instance
		b.wg.Add(1)
		go b.pumpInstance(instance.Events())
		log.Info("engine instance created")
	}

	sub := subscription{clientKey: m.ClientKey, swarmKey: m.SwarmKey}

	s, ok := b.swarms[r.InfoHash]
	if ok {
		s.subscribe(sub)
		b.sender.Send(wire.NewOutbound(wire.ResourceAdded, m.ClientKey, m.SwarmKey, b.describeResource(s)))

		// The new subscriber observes current state right away instead
		// of waiting for the next natural event.
		if !b.cfg.DeferSnapshots {
			b.sender.Send(wire.NewOutbound(wire.Update, m.ClientKey, m.SwarmKey, b.metricResource(s)))
		}
	} else {
		handle, err := b.instance.Join(r, engine.JoinOptions{Upload: b.cfg.EnableUpload})
		if err != nil {
			log.Error("failed to join swarm", log.Err(err), log.Fields{"infoHash": r.InfoHash})
			b.sender.Send(wire.NewOutboundError(wire.Warning, m.ClientKey, m.SwarmKey, err))
			if len(b.swarms) == 0 {
				b.closeInstance()
			}
			return
		}

		s = &swarm{infoHash: r.InfoHash, handle: handle}
		s.subscribe(sub)
		b.swarms[r.InfoHash] = s
		promSwarmsCount.Inc()
		log.Info("swarm joined", log.Fields{"infoHash": r.InfoHash})

		b.wg.Add(1)
		go b.pumpSwarm(s, handle.Events())

		b.sender.Send(wire.NewOutbound(wire.ResourceAdded, m.ClientKey, m.SwarmKey, b.describeResource(s)))
	}

	if m.Options != nil && m.Options.Server {
		b.provision(s, sub)
	}
}

// handleRequestServer provisions a content server for the swarm the client
// references by its own correlation token.
func (b *Broker) handleRequestServer(m wire.Message) {
	sub := subscription{clientKey: m.ClientKey, swarmKey: m.SwarmKey}

	s := b.findByCorrelation(sub)
	if s == nil {
		log.Warn("request-server for untracked swarm key", log.Fields{
			"clientKey": m.ClientKey,
			"swarmKey":  m.SwarmKey,
		})
		b.sender.Send(wire.NewOutboundError(wire.Warning, m.ClientKey, m.SwarmKey,
			fmt.Errorf("no swarm subscribed under key %q", m.SwarmKey)))
		return
	}

	b.provision(s, sub)
}

// findByCorrelation resolves a (clientKey, swarmKey) pair to the swarm it is
// subscribed to.
func (b *Broker) findByCorrelation(sub subscription) *swarm {
	for _, s := range b.swarms {
		if s.subscribed(sub) {
			return s
		}
	}
	return nil
}

// handleHeartbeat only exists for explicitness: the refresh already happened
// in handle before dispatch.
func (b *Broker) handleHeartbeat(m wire.Message) {
	if _, ok := b.clients[m.ClientKey]; !ok {
		log.Debug("heartbeat for untracked client", log.Fields{"clientKey": m.ClientKey})
		return
	}
	log.Debug("heartbeat", log.Fields{"clientKey": m.ClientKey})
}

// handleDestroy removes the client immediately or after the requested delay.
func (b *Broker) handleDestroy(m wire.Message) {
	key := m.ClientKey

	if delay := m.Options.Delay(); delay > 0 {
		log.Debug("delayed destroy scheduled", log.Fields{"clientKey": key, "delay": delay})
		b.clk.AfterFunc(delay, func() {
			b.post(func() { b.removeClients([]string{key}) })
		})
		return
	}

	b.removeClients([]string{key})
}
