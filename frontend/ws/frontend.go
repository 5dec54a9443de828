// Package ws implements a WebSocket frontend. Each connection carries a
// stream of JSON control messages; outbound messages are routed back to the
// connection that most recently spoke for their clientKey.
package ws

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chihaya/remora/broker"
	"github.com/chihaya/remora/frontend"
	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/pkg/stop"
	"github.com/chihaya/remora/wire"
)

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
	prometheus.MustRegister(promConnectionsCount)
}

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "remora_ws_response_duration_milliseconds",
		Help:    "The duration of time it takes to dispatch an inbound message",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"type"},
)

var promConnectionsCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "remora_ws_connections_count",
	Help: "The number of open WebSocket connections",
})

// recordResponseDuration records the duration of time to dispatch a message
// in milliseconds.
func recordResponseDuration(typ string, duration time.Duration) {
	promResponseDurationMilliseconds.
		WithLabelValues(typ).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// Config represents all of the configurable options for a WebSocket frontend.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":            cfg.Addr,
		"readTimeout":     cfg.ReadTimeout,
		"writeTimeout":    cfg.WriteTimeout,
		"pingInterval":    cfg.PingInterval,
		"maxMessageSize":  cfg.MaxMessageSize,
		"writeBufferSize": cfg.WriteBufferSize,
	}
}

// Validate sanity checks the config and fills in defaults.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= validcfg.ReadTimeout {
		validcfg.PingInterval = validcfg.ReadTimeout * 8 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		validcfg.MaxMessageSize = 512 * 1024
	}
	if cfg.WriteBufferSize <= 0 {
		validcfg.WriteBufferSize = 256
	}
	return validcfg
}

// Frontend holds the state of a WebSocket frontend.
type Frontend struct {
	broker  frontend.Broker
	srv     *http.Server
	ln      net.Listener
	closing chan struct{}

	// conns routes a clientKey to the connection that most recently spoke
	// for it. A connection going away does not remove broker state: the
	// client lives on until its heartbeat expires.
	mu    sync.RWMutex
	conns map[string]*conn

	Config
}

var _ broker.Sender = &Frontend{}

// NewFrontend binds the configured address and starts serving.
func NewFrontend(b frontend.Broker, cfg Config) (*Frontend, error) {
	f := &Frontend{
		broker:  b,
		closing: make(chan struct{}),
		conns:   make(map[string]*conn),
		Config:  cfg.Validate(),
	}

	ln, err := net.Listen("tcp", f.Config.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "ws: binding frontend")
	}
	f.ln = ln

	router := httprouter.New()
	router.GET("/broker", f.brokerRoute)
	router.GET("/healthz", f.healthRoute)

	f.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: time.Second * 60,
	}

	go func() {
		if err := f.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving ws frontend", log.Err(err))
		}
	}()

	log.Info("ws frontend listening", f.Config)

	return f, nil
}

// Addr returns the bound listen address.
func (f *Frontend) Addr() net.Addr {
	return f.ln.Addr()
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (f *Frontend) Stop() stop.Result {
	select {
	case <-f.closing:
		return stop.AlreadyStopped
	default:
	}
	close(f.closing)

	c := make(stop.Channel)
	go func() {
		f.mu.Lock()
		closing := make(map[*conn]struct{})
		for _, cn := range f.conns {
			closing[cn] = struct{}{}
		}
		f.mu.Unlock()

		for cn := range closing {
			cn.close()
		}

		c.Done(f.srv.Close())
	}()

	return c.Result()
}

// Send implements broker.Sender. It enqueues without blocking; a full or
// missing connection drops the message, which the protocol tolerates since
// delivery is not guaranteed.
func (f *Frontend) Send(m wire.Outbound) {
	f.mu.RLock()
	cn := f.conns[m.ClientKey]
	f.mu.RUnlock()

	if cn == nil {
		log.Debug("dropping outbound message for unconnected client", log.Fields{
			"clientKey": m.ClientKey,
			"type":      m.Type,
		})
		return
	}

	cn.enqueue(m)
}

// claim records that a connection speaks for a clientKey.
func (f *Frontend) claim(key string, cn *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conns[key] == cn {
		return
	}
	f.conns[key] = cn
	cn.claims[key] = struct{}{}
}

// release removes a closing connection's routes, unless a newer connection
// already claimed them.
func (f *Frontend) release(cn *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key := range cn.claims {
		if f.conns[key] == cn {
			delete(f.conns, key)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication and origin policy are the carrier's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (f *Frontend) brokerRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", log.Err(err))
		return
	}

	cn := newConn(f, ws)
	promConnectionsCount.Inc()
	log.Debug("connection opened", log.Fields{"conn": cn.id, "remote": ws.RemoteAddr()})

	go cn.writePump()
	go cn.readPump()
}

func (f *Frontend) healthRoute(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}
