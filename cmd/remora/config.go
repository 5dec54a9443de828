package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/remora/broker"
	wsfrontend "github.com/chihaya/remora/frontend/ws"
)

// EngineConfig selects an engine driver by name and carries its
// driver-specific options, which the driver re-marshals into its own typed
// config.
type EngineConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the configuration used for executing remora.
type Config struct {
	MetricsAddr string            `yaml:"metrics_addr"`
	Broker      broker.Config     `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	WS          wsfrontend.Config `yaml:"ws"`
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Remora Config `yaml:"remora"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
