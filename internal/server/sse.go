package server

import (
	"fmt"
	"net/http"
	"sync"
)

const reloadScript = `(() => {
  const events = new EventSource("/events");
  events.onmessage = (e) => {
    if (e.data === "reload") location.reload();
  };
})();
`

// reloadBroker fans reload signals out to connected Server-Sent Events clients.
type reloadBroker struct {
	mu      sync.Mutex
	clients map[chan struct{}]struct{}
	done    chan struct{}
	closed  bool
}

func newReloadBroker() *reloadBroker {
	return &reloadBroker{
		clients: make(map[chan struct{}]struct{}),
		done:    make(chan struct{}),
	}
}

func (b *reloadBroker) subscribe() (chan struct{}, func()) {
	// One slot so a reload sent while the client is writing is not lost.
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
	}
}

// broadcast signals every client. Clients with a pending signal are skipped.
func (b *reloadBroker) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *reloadBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close ends all open streams. Used as an http.Server shutdown hook.
func (b *reloadBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}

func (b *reloadBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := b.subscribe()
	defer unsubscribe()

	_, _ = fmt.Fprintf(w, "data: connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		case <-ch:
			_, _ = fmt.Fprintf(w, "data: reload\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func serveReloadScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = fmt.Fprint(w, reloadScript)
}
