package engine

import (
	"errors"
	"sync"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// ErrDriverDoesNotExist is the error returned by NewInstance when an engine
// driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("engine driver with that name does not exist")

// Driver is the interface used to initialize a new type of Instance.
type Driver interface {
	NewInstance(cfg interface{}) (Instance, error)
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("engine: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("engine: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("engine: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewInstance attempts to initialize a new Instance with given a name from
// the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewInstance(name string, cfg interface{}) (Instance, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	var d Driver
	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewInstance(cfg)
}
