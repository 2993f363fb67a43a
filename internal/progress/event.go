package progress

import (
	"errors"
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// Type names the kind of update an Event carries.
type Type string

// Supported event types.
const (
	TypeDocument Type = "document"
	TypeDone     Type = "done"
	TypeError    Type = "error"
)

// Event is one update for a crawl job.
type Event struct {
	JobID    string
	TS       time.Time
	Type     Type
	Status   crawler.JobStatus
	Document *crawler.Document
	Error    string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeDocument:
		if e.Document == nil {
			return errors.New("document event requires a document")
		}
	case TypeDone:
		if !e.Status.Terminal() {
			return errors.New("done event requires a terminal status")
		}
	case TypeError:
		if e.Error == "" {
			return errors.New("error event requires error text")
		}
	default:
		return errors.New("unknown event type")
	}
	return nil
}

// Final reports whether no further events follow for the job.
func (e Event) Final() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// Emitter publishes individual events; Broker satisfies this interface so
// workers stay agnostic about who is listening.
type Emitter interface {
	Emit(evt Event)
}
