package main

import (
	"os"
	"os/signal"
	"runtime/pprof"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chihaya/remora/broker"
	"github.com/chihaya/remora/engine"
	_ "github.com/chihaya/remora/engine/anacrolixeng"
	_ "github.com/chihaya/remora/engine/enginetest"
	wsfrontend "github.com/chihaya/remora/frontend/ws"
	"github.com/chihaya/remora/pkg/log"
	"github.com/chihaya/remora/pkg/metrics"
	"github.com/chihaya/remora/pkg/stop"
	"github.com/chihaya/remora/wire"
)

// senderProxy breaks the construction cycle between the broker (which needs a
// Sender) and the frontend (which needs the broker). Messages sent before the
// frontend is bound are dropped.
type senderProxy struct {
	mu    sync.RWMutex
	inner broker.Sender
}

func (p *senderProxy) bind(s broker.Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner = s
}

func (p *senderProxy) Send(m wire.Outbound) {
	p.mu.RLock()
	inner := p.inner
	p.mu.RUnlock()

	if inner != nil {
		inner.Send(m)
	}
}

// Run executes a configured broker until a shutdown signal arrives.
func Run(configFilePath string) error {
	configFile, err := ParseConfigFile(configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Remora

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddr)
		log.Info("started serving metrics", log.Fields{"addr": cfg.MetricsAddr})
	}

	engineName := cfg.Engine.Name
	if engineName == "" {
		engineName = "anacrolix"
	}
	factory := func() (engine.Instance, error) {
		return engine.NewInstance(engineName, cfg.Engine.Config)
	}

	proxy := &senderProxy{}
	b, err := broker.New(cfg.Broker, factory, proxy)
	if err != nil {
		return errors.Wrap(err, "failed to create broker")
	}

	wsFrontend, err := wsfrontend.NewFrontend(b, cfg.WS)
	if err != nil {
		b.Stop().Wait()
		return errors.Wrap(err, "failed to create ws frontend")
	}
	proxy.bind(wsFrontend)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Info("shutting down")

	// The frontend goes first so no new inbound traffic arrives; the core
	// and observability have no ordering between them.
	errs := wsFrontend.Stop().Wait()

	sg := stop.NewGroup()
	sg.Add(b)
	if metricsServer != nil {
		sg.Add(metricsServer)
	}
	errs = append(errs, sg.Stop().Wait()...)

	for _, err := range errs {
		log.Error("error during shutdown", log.Err(err))
	}
	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

func main() {
	var (
		configFilePath string
		cpuProfilePath string
		debugLog       bool
		jsonLog        bool
	)

	rootCmd := &cobra.Command{
		Use:   "remora",
		Short: "BitTorrent swarm broker",
		Long:  "A control-plane multiplexer brokering shared BitTorrent swarms to remote clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debugLog {
				log.SetDebug(true)
				log.Debug("debug logging enabled")
			}
			if jsonLog {
				log.SetFormatter(&logrus.JSONFormatter{})
				log.Info("enabled JSON logging")
			}

			if cpuProfilePath != "" {
				log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
				f, err := os.Create(cpuProfilePath)
				if err != nil {
					return err
				}
				pprof.StartCPUProfile(f)
				defer pprof.StopCPUProfile()
			}

			return Run(configFilePath)
		},
	}

	rootCmd.Flags().StringVar(&configFilePath, "config", "/etc/remora.yaml", "location of configuration file")
	rootCmd.Flags().StringVar(&cpuProfilePath, "cpuprofile", "", "location to save a CPU profile")
	rootCmd.Flags().BoolVar(&debugLog, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&jsonLog, "json", false, "enable json logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}
