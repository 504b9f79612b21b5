package ports

import "github.com/alejandrodnm/backsim/internal/domain"

// EventSink receives events produced while processing another event.
type EventSink interface {
	Put(ev domain.Event)
}
