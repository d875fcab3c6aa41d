package protocol

import (
	"sort"
	"sync"

	"codeberg.org/mutker/wabot-instance/internal/errors"
)

const ErrUnknownDriver = errors.ErrorCode("protocol_unknown_driver")

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Dialer)
)

// Register makes a driver available under name. It panics on a duplicate
// name, as database/sql does.
func Register(name string, d Dialer) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if d == nil {
		panic("protocol: Register dialer is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("protocol: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Dialer, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, errors.New().WithData(ErrUnknownDriver, name)
	}
	return d, nil
}

// Drivers returns the sorted names of registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
