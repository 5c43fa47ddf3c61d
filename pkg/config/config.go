// Package config holds the single persisted configuration record a node
// reads at startup and saves back through Store.SaveQueued (spec §6): its
// claimed NodeId and EUI64 identity plus the tunable ISO-TP protocol
// parameters. cmd/cantpd uses the stored NodeId as the starting candidate
// of the address claim; the other fields are stored and loaded but not
// applied by pkg/node.
package config

import (
	"time"

	"github.com/canrise/isotp-go/pkg/isotp"
	"github.com/canrise/isotp-go/pkg/node"
)

// Configuration is the full persisted record.
type Configuration struct {
	NodeID isotp.NodeID
	EUI64  node.EUI64

	BlockSize uint8
	STmin     time.Duration
	MaxWFT    uint8

	NAs time.Duration
	NBs time.Duration
	NCr time.Duration

	ReportPeriod  time.Duration
	ResponseDelay time.Duration
}

// Default returns a Configuration seeded with the protocol defaults from
// isotp.DefaultConfig, an anonymous NodeId and a freshly generated EUI64 —
// what a node uses the very first time it runs, before anything has been
// persisted.
func Default() Configuration {
	d := isotp.DefaultConfig()
	return Configuration{
		NodeID:    isotp.AnonymousNodeID,
		EUI64:     node.DeriveEUI64(),
		BlockSize: d.BlockSize,
		STmin:     d.STmin,
		MaxWFT:    d.MaxWFT,
		NAs:       d.NAs,
		NBs:       d.NBs,
		NCr:       d.NCr,
	}
}

// Store persists and retrieves the Configuration record.
type Store interface {
	// Load reads the persisted record, or Default() if none exists yet.
	Load() (Configuration, error)
	// SaveQueued enqueues cfg to be written back asynchronously; it returns
	// as soon as the record has been queued, not once the write lands on
	// disk. Save errors are logged by the Store, not returned to the caller.
	SaveQueued(cfg Configuration)
	// Close flushes any queued save and stops the writer goroutine.
	Close() error
}
