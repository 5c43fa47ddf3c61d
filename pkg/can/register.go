package can

import "fmt"

// NewBusFunc constructs a Bus backend for a given channel name
// (e.g. "can0", "vcan0", "localhost:18888").
type NewBusFunc func(channel string) (Bus, error)

var registry = make(map[string]NewBusFunc)

// ImplementedInterfaces lists the backends this module builds, regardless
// of which ones are registered on the current platform via build tags.
var ImplementedInterfaces = []string{
	"socketcan",
	"brutella",
	"virtual",
}

// RegisterInterface registers a new CAN bus backend. Backends call this
// from an init() function, e.g. pkg/can/socketcan.
func RegisterInterface(name string, newBus NewBusFunc) {
	registry[name] = newBus
}

// NewBus constructs a registered backend by name.
func NewBus(name string, channel string) (Bus, error) {
	newBus, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("can: unsupported interface %q (implemented: %v)", name, ImplementedInterfaces)
	}
	return newBus(channel)
}
