// Package sym defines canonical symbols for mundo system markers.
// These symbols are stable across logs, CLI output, and webhook footers.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // worker, queue, periodic sweeps
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)

// Lifecycle symbols used in notification titles.
const (
	Uploaded   = "📤"
	Processing = "⏳"
	Ready      = "✅"
	Failed     = "❌"
	Expired    = "⏰"
)

// All returns every defined symbol in declaration order.
func All() []string {
	return []string{Pulse, PulseOpen, PulseClose, DB, Uploaded, Processing, Ready, Failed, Expired}
}
