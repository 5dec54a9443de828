package broker

import (
	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/wire"
)

// pumpSwarm forwards one swarm's engine events into the run loop. It exits
// when the handle is dropped and its event channel closes.
func (b *Broker) pumpSwarm(s *swarm, events <-chan engine.Event) {
	defer b.wg.Done()

	for ev := range events {
		ev := ev
		b.post(func() {
			// The swarm may have been torn down between emission and
			// dispatch.
			if b.swarms[s.infoHash] != s {
				return
			}
			b.relaySwarm(s, ev)
		})
	}
}

// pumpInstance forwards instance-scoped events into the run loop. It exits
// when the instance is closed.
func (b *Broker) pumpInstance(events <-chan engine.Event) {
	defer b.wg.Done()

	for ev := range events {
		ev := ev
		b.post(func() { b.relayInstance(ev) })
	}
}

// relaySwarm fans one swarm-scoped event out to the swarm's subscribers.
func (b *Broker) relaySwarm(s *swarm, ev engine.Event) {
	switch ev.Kind {
	case engine.EventIdentifierResolved:
		b.sendToSwarm(s, wire.IdentifierResolved, b.describeResource(s))
	case engine.EventMetadataResolved:
		b.sendToSwarm(s, wire.MetadataResolved, b.describeResource(s))
	case engine.EventDownload:
		b.sendToSwarm(s, wire.DownloadProgress, b.metricResource(s))
	case engine.EventUpload:
		b.sendToSwarm(s, wire.UploadProgress, b.metricResource(s))
	case engine.EventCompleted:
		b.sendToSwarm(s, wire.Completed, b.metricResource(s))
	case engine.EventWarning:
		b.sendErrToSwarm(s, wire.Warning, ev.Err)
	case engine.EventFault:
		b.sendErrToSwarm(s, wire.Error, ev.Err)
	default:
		log.Debug("dropping unknown engine event", log.Fields{"kind": ev.Kind})
	}
}

// relayInstance broadcasts an instance-scoped fault or warning to every known
// client, since it is attributable to no single swarm.
func (b *Broker) relayInstance(ev engine.Event) {
	switch ev.Kind {
	case engine.EventWarning:
		b.sendToAll(wire.Warning, ev.Err)
	case engine.EventFault:
		b.sendToAll(wire.Error, ev.Err)
	default:
		log.Debug("dropping unknown instance event", log.Fields{"kind": ev.Kind})
	}
}

// sendToSwarm emits one message per subscription, each addressed with that
// subscription's own key pair.
func (b *Broker) sendToSwarm(s *swarm, t wire.Type, r *wire.Resource) {
	for _, sub := range s.subs {
		b.sender.Send(wire.NewOutbound(t, sub.clientKey, sub.swarmKey, r))
	}
}

// sendErrToSwarm emits one error message per subscription.
func (b *Broker) sendErrToSwarm(s *swarm, t wire.Type, err error) {
	for _, sub := range s.subs {
		b.sender.Send(wire.NewOutboundError(t, sub.clientKey, sub.swarmKey, err))
	}
}

// sendToAll broadcasts an error message to every known client.
func (b *Broker) sendToAll(t wire.Type, err error) {
	for key := range b.clients {
		b.sender.Send(wire.NewOutboundError(t, key, "", err))
	}
}

// describeResource builds the descriptive payload of a swarm.
func (b *Broker) describeResource(s *swarm) *wire.Resource {
	d := s.handle.Describe()

	r := &wire.Resource{
		Name:      d.Name,
		InfoHash:  s.infoHash.String(),
		Length:    d.Length,
		ServerURL: s.serverURL,
	}
	for _, f := range d.Files {
		r.Files = append(r.Files, wire.File{Path: f.Path, Length: f.Length})
	}

	return r
}

// fullResource builds a combined descriptive and metric payload, used when a
// subscriber first observes an existing swarm.
func (b *Broker) fullResource(s *swarm) *wire.Resource {
	r := b.describeResource(s)
	m := b.metricResource(s)

	r.Progress = m.Progress
	r.Downloaded = m.Downloaded
	r.Uploaded = m.Uploaded
	r.DownloadSpeed = m.DownloadSpeed
	r.UploadSpeed = m.UploadSpeed
	r.Ratio = m.Ratio
	r.PeerCount = m.PeerCount
	r.TimeRemaining = m.TimeRemaining

	return r
}

// metricResource builds the metric payload of a swarm.
func (b *Broker) metricResource(s *swarm) *wire.Resource {
	st := s.handle.Stats()

	return &wire.Resource{
		InfoHash:      s.infoHash.String(),
		Length:        s.handle.Describe().Length,
		Progress:      st.Progress,
		Downloaded:    st.Downloaded,
		Uploaded:      st.Uploaded,
		DownloadSpeed: st.DownloadSpeed,
		UploadSpeed:   st.UploadSpeed,
		Ratio:         st.Ratio,
		PeerCount:     st.PeerCount,
		TimeRemaining: st.TimeRemaining.Milliseconds(),
	}
}
