// Package notify delivers job lifecycle events.
//
// Delivery is fire-and-forget: Deliver never blocks the caller and never
// reports failure. Failures are logged by the notifier itself.
package notify

import (
	"fmt"
	"time"

	"github.com/teranos/mundo/sym"
)

// Category classifies an event
type Category string

const (
	CategoryUploaded   Category = "uploaded"
	CategoryProcessing Category = "processing"
	CategoryReady      Category = "ready"
	CategoryError      Category = "error"
	CategoryExpired    Category = "expired"
)

// Embed colors per category
const (
	ColorUploaded   = 0x3498DB
	ColorProcessing = 0x2980B9
	ColorReady      = 0x2ECC71
	ColorError      = 0xE74C3C
	ColorExpired    = 0xF39C12
	ColorDefault    = 0x7289DA
)

// Event is one lifecycle notification
type Event struct {
	Category  Category  `json:"category"`
	JobID     string    `json:"job_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Color     int       `json:"color"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier accepts events for best-effort delivery
type Notifier interface {
	Deliver(Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Event)

// Deliver calls f
func (f NotifierFunc) Deliver(e Event) { f(e) }

var now = func() time.Time { return time.Now().UTC() }

func newEvent(cat Category, jobID, message, details string) Event {
	id := jobID
	if id == "" {
		id = "Desconocido"
	}
	var title string
	var color int
	switch cat {
	case CategoryUploaded:
		title, color = sym.Uploaded+" Mundo Subido: "+id, ColorUploaded
	case CategoryProcessing:
		title, color = sym.Processing+" Procesando Mundo: "+id, ColorProcessing
	case CategoryReady:
		title, color = sym.Ready+" Mundo Procesado: "+id, ColorReady
	case CategoryError:
		title, color = sym.Failed+" Error en Mundo: "+id, ColorError
	case CategoryExpired:
		title, color = sym.Expired+" Mundo Expirado: "+id, ColorExpired
	default:
		title, color = "Actualización del Mundo", ColorDefault
	}
	return Event{
		Category:  cat,
		JobID:     jobID,
		Title:     title,
		Message:   message,
		Details:   details,
		Color:     color,
		Timestamp: now(),
	}
}

// Uploaded reports a newly accepted upload
func Uploaded(jobID, filename string, sizeMB float64) Event {
	return newEvent(CategoryUploaded, jobID,
		fmt.Sprintf("Se subió %s (%.2f MB). Está en la cola para procesarse.", filename, sizeMB), "")
}

// Processing reports that a job claimed the processing slot
func Processing(jobID, filename string) Event {
	return newEvent(CategoryProcessing, jobID,
		fmt.Sprintf("Comenzó el procesamiento de %s.", filename), "")
}

// Ready reports a successful transform
func Ready(jobID, filename string, sizeMB, sizeFinalMB float64, expiresAt time.Time) Event {
	return newEvent(CategoryReady, jobID,
		fmt.Sprintf("%s está listo: %.2f MB → %.2f MB. Disponible hasta %s.",
			filename, sizeMB, sizeFinalMB, expiresAt.UTC().Format(time.RFC3339)), "")
}

// Failed reports a processing or sweep failure
func Failed(jobID, message, details string) Event {
	return newEvent(CategoryError, jobID, message, details)
}

// Expired reports that a job's artifact was purged
func Expired(jobID string) Event {
	return newEvent(CategoryExpired, jobID,
		"El mundo expiró y sus archivos fueron eliminados.", "")
}
