// Defines the Host interface the engine exposes to its subsystems.
package host

import (
	"github.com/cockroachdb/pebble"

	"github.com/medprepa/tally/utils"
)

// Host is the narrow engine surface the source store, the aggregate index
// and the rebuild orchestrator operate through.
type Host interface {
	Database() *pebble.DB
	Logger() utils.Logger
	WriteOptions() *pebble.WriteOptions
}
