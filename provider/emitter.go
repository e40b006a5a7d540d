package provider

import "sync"

// Emitter fans auth events out to listeners, synchronously and in
// subscription order. The zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners []subscription
}

type subscription struct {
	id int
	fn Listener
}

// Subscribe adds l and returns a function that removes it.
func (e *Emitter) Subscribe(l Listener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, subscription{id: id, fn: l})
	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.listeners {
		if s.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener. Listeners may subscribe or unsubscribe while
// being called; such changes apply from the next Emit.
func (e *Emitter) Emit(event Event, s *Session) {
	e.mu.Lock()
	listeners := make([]subscription, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l.fn(event, s)
	}
}
