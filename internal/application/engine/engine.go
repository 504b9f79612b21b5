package engine

import "github.com/alejandrodnm/backsim/internal/domain"

// Queue es la cola FIFO de eventos de una simulación.
// No es concurrente: el engine la drena en el mismo goroutine que la llena.
type Queue struct {
	events []domain.Event
	head   int
}

// NewQueue crea una cola vacía.
func NewQueue() *Queue {
	return &Queue{}
}

// Put encola un evento. Implementa ports.EventSink.
func (q *Queue) Put(ev domain.Event) {
	q.events = append(q.events, ev)
}

// Get saca el evento más antiguo, o false si la cola está vacía.
func (q *Queue) Get() (domain.Event, bool) {
	if q.head >= len(q.events) {
		q.Reset()
		return nil, false
	}
	ev := q.events[q.head]
	q.events[q.head] = nil
	q.head++
	return ev, true
}

// Len devuelve el número de eventos pendientes.
func (q *Queue) Len() int {
	return len(q.events) - q.head
}

// Reset descarta los eventos pendientes.
func (q *Queue) Reset() {
	q.events = q.events[:0]
	q.head = 0
}
