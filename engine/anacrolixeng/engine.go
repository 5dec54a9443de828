// Package anacrolixeng implements an engine driver backed by
// anacrolix/torrent.
package anacrolixeng

import (
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/remora/bittorrent"
	"github.com/chihaya/remora/engine"
	"github.com/chihaya/remora/pkg/log"
)

// Name is the name under which this driver is registered.
const Name = "anacrolix"

func init() {
	engine.RegisterDriver(Name, driver{})
}

// Config holds the configuration of an anacrolix engine instance.
type Config struct {
	DataDir      string        `yaml:"data_dir"`
	ListenPort   int           `yaml:"listen_port"`
	Seed         bool          `yaml:"seed"`
	DisableDHT   bool          `yaml:"disable_dht"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"dataDir":      cfg.DataDir,
		"listenPort":   cfg.ListenPort,
		"seed":         cfg.Seed,
		"disableDHT":   cfg.DisableDHT,
		"pollInterval": cfg.PollInterval,
	}
}

// Validate sanity checks the config and fills in defaults.
func (cfg Config) Validate() Config {
	validcfg := cfg
	if cfg.PollInterval <= 0 {
		validcfg.PollInterval = time.Second
	}
	return validcfg
}

type driver struct{}

func (d driver) NewInstance(icfg interface{}) (engine.Instance, error) {
	// icfg comes out of a YAML config file as a generic map, so it is
	// re-marshalled into the typed Config.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, errors.Wrap(err, "anacrolixeng: remarshalling config")
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, errors.Wrap(err, "anacrolixeng: unmarshalling config")
	}

	return New(cfg)
}

// New creates a new engine Instance backed by an anacrolix/torrent client.
func New(cfg Config) (engine.Instance, error) {
	cfg = cfg.Validate()

	ccfg := torrent.NewDefaultClientConfig()
	ccfg.DataDir = cfg.DataDir
	ccfg.ListenPort = cfg.ListenPort
	ccfg.Seed = cfg.Seed
	ccfg.NoDHT = cfg.DisableDHT

	client, err := torrent.NewClient(ccfg)
	if err != nil {
		return nil, errors.Wrap(err, "anacrolixeng: creating client")
	}

	log.Info("anacrolix engine instance created", cfg)

	return &instance{
		cfg:    cfg,
		client: client,
		events: make(chan engine.Event),
	}, nil
}

type instance struct {
	cfg    Config
	client *torrent.Client
	events chan engine.Event
}

var _ engine.Instance = &instance{}

func (i *instance) Join(r bittorrent.Resource, opts engine.JoinOptions) (engine.Torrent, error) {
	spec := &torrent.TorrentSpec{
		InfoHash:    metainfo.Hash(r.InfoHash),
		DisplayName: r.DisplayName,
	}
	if len(r.Trackers) > 0 {
		spec.Trackers = [][]string{r.Trackers}
	}

	t, _, err := i.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, errors.Wrap(err, "anacrolixeng: adding torrent")
	}

	h := &handle{
		t:        t,
		upload:   opts.Upload,
		poll:     i.cfg.PollInterval,
		events:   make(chan engine.Event),
		dropping: make(chan struct{}),
	}
	go h.watch()

	return h, nil
}

func (i *instance) Events() <-chan engine.Event {
	return i.events
}

func (i *instance) Close() error {
	i.client.Close()
	close(i.events)
	log.Info("anacrolix engine instance closed")
	return nil
}

// handle wraps one *torrent.Torrent as an engine.Torrent. A single watcher
// goroutine owns the event channel: it emits the identifier event, waits for
// metadata, and then synthesizes progress events from polled stats.
type handle struct {
	t        *torrent.Torrent
	upload   bool
	poll     time.Duration
	events   chan engine.Event
	dropping chan struct{}

	mu        sync.Mutex
	downSpeed float64
	upSpeed   float64
	remaining time.Duration
}

var _ engine.Torrent = &handle{}

func (h *handle) InfoHash() bittorrent.InfoHash {
	return bittorrent.InfoHash(h.t.InfoHash())
}

func (h *handle) Describe() engine.Description {
	if h.t.Info() == nil {
		return engine.Description{Name: h.t.Name()}
	}

	files := h.t.Files()
	d := engine.Description{
		Name:   h.t.Name(),
		Length: h.t.Length(),
		Files:  make([]engine.FileInfo, 0, len(files)),
	}
	for _, f := range files {
		d.Files = append(d.Files, engine.FileInfo{
			Path:   f.DisplayPath(),
			Length: f.Length(),
		})
	}

	return d
}

func (h *handle) Stats() engine.Stats {
	ts := h.t.Stats()

	s := engine.Stats{
		Downloaded: ts.BytesReadUsefulData.Int64(),
		Uploaded:   ts.BytesWrittenData.Int64(),
		PeerCount:  ts.ActivePeers,
	}
	if s.Downloaded > 0 {
		s.Ratio = float64(s.Uploaded) / float64(s.Downloaded)
	}
	if h.t.Info() != nil && h.t.Length() > 0 {
		s.Progress = float64(h.t.BytesCompleted()) / float64(h.t.Length())
	}

	h.mu.Lock()
	s.DownloadSpeed = h.downSpeed
	s.UploadSpeed = h.upSpeed
	s.TimeRemaining = h.remaining
	h.mu.Unlock()

	return s
}

func (h *handle) Events() <-chan engine.Event {
	return h.events
}

func (h *handle) Drop() error {
	close(h.dropping)
	h.t.Drop()
	return nil
}

func (h *handle) watch() {
	defer close(h.events)

	h.emit(engine.Event{Kind: engine.EventIdentifierResolved})

	select {
	case <-h.t.GotInfo():
	case <-h.dropping:
		return
	}

	log.Info("swarm metadata resolved", log.Fields{
		"name": h.t.Name(),
		"size": humanize.Bytes(uint64(h.t.Length())),
	})
	h.emit(engine.Event{Kind: engine.EventMetadataResolved})

	if !h.upload {
		h.t.DisallowDataUpload()
	}
	h.t.DownloadAll()

	var (
		lastDown  int64
		lastUp    int64
		completed bool
	)

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		select {
		case <-h.dropping:
			return
		case <-ticker.C:
			s := h.Stats()

			downDelta := s.Downloaded - lastDown
			upDelta := s.Uploaded - lastUp

			h.mu.Lock()
			h.downSpeed = float64(downDelta) / h.poll.Seconds()
			h.upSpeed = float64(upDelta) / h.poll.Seconds()
			if remaining := h.t.Length() - h.t.BytesCompleted(); remaining > 0 && h.downSpeed > 0 {
				h.remaining = time.Duration(float64(remaining)/h.downSpeed) * time.Second
			} else {
				h.remaining = 0
			}
			h.mu.Unlock()

			if downDelta > 0 {
				lastDown = s.Downloaded
				h.emit(engine.Event{Kind: engine.EventDownload})
			}
			if upDelta > 0 {
				lastUp = s.Uploaded
				h.emit(engine.Event{Kind: engine.EventUpload})
			}
			if !completed && h.t.BytesCompleted() == h.t.Length() {
				completed = true
				h.emit(engine.Event{Kind: engine.EventCompleted})
			}
		}
	}
}

// emit delivers an event unless the handle is being dropped.
func (h *handle) emit(ev engine.Event) {
	select {
	case h.events <- ev:
	case <-h.dropping:
	}
}
