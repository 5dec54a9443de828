package broker

import (
	"fmt"
	"net"

	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/wire"
)

// provision drives the per-swarm {none, pending, ready} machine. The costly
// listen runs at most once per swarm lifetime: concurrent requests made while
// pending only grow the waiter list.
func (b *Broker) provision(s *swarm, sub subscription) {
	switch s.provision {
	case provisionReady:
		b.sender.Send(wire.NewOutbound(wire.ServerReady, sub.clientKey, sub.swarmKey, b.describeResource(s)))

	case provisionPending:
		s.waiters = append(s.waiters, sub)

	case provisionNone:
		server, err := s.handle.NewServer(engine.ServerOptions{Addr: b.cfg.ServerAddr})
		if err != nil {
			log.Error("failed to create content server", log.Err(err), log.Fields{"infoHash": s.infoHash})
			b.sender.Send(wire.NewOutboundError(wire.Warning, sub.clientKey, sub.swarmKey, err))
			return
		}

		s.provision = provisionPending
		s.waiters = append(s.waiters, sub)
		s.server = server

		go func() {
			err := server.Start()
			b.post(func() { b.provisionDone(s, server, err) })
		}()
	}
}

// provisionDone runs in the loop once the listen completed. It resolves the
// state machine and notifies every queued waiter.
func (b *Broker) provisionDone(s *swarm, server engine.Server, err error) {
	if b.swarms[s.infoHash] != s {
		// The swarm was torn down while the listen was in flight. The
		// work is wasted but harmless; just release the listener.
		if err == nil {
			server.Stop()
		}
		return
	}

	if err != nil {
		log.Error("content server failed to start", log.Err(err), log.Fields{"infoHash": s.infoHash})
		for _, w := range s.waiters {
			b.sender.Send(wire.NewOutboundError(wire.Warning, w.clientKey, w.swarmKey, err))
		}
		s.provision = provisionNone
		s.server = nil
		s.waiters = nil
		return
	}

	s.provision = provisionReady
	s.serverURL = b.serverURL(server.Addr())
	log.Info("content server provisioned", log.Fields{
		"infoHash": s.infoHash,
		"url":      s.serverURL,
	})

	r := b.describeResource(s)
	for _, w := range s.waiters {
		b.sender.Send(wire.NewOutbound(wire.ServerReady, w.clientKey, w.swarmKey, r))
	}
	s.waiters = nil
}

// serverURL renders the advertised URL for a bound content server. The bound
// address usually names a wildcard host, so the configured ServerHost is
// advertised instead.
func (b *Broker) serverURL(addr net.Addr) string {
	host := b.cfg.ServerHost
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return fmt.Sprintf("http://%s/", host)
	}
	return fmt.Sprintf("http://%s/", net.JoinHostPort(host, port))
}
