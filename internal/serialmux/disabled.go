package serialmux

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrLinkDisabled is returned for any line written to a DisabledSerialMux.
var ErrLinkDisabled = errors.New("serialmux: device link disabled")

// DisabledSerialMux stands in for the device link when no DVL is attached
// (--disable-device) or when lines are fed to a session by hand, as replay
// does. Nothing is ever received. Writes fail fast with ErrLinkDisabled so a
// command issued through the API is answered immediately instead of waiting
// out the correlation timeout.
type DisabledSerialMux struct {
	mu     sync.Mutex
	subs   map[string]chan string
	closed bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: make(map[string]chan string)}
}

// Subscribe returns a channel that only ever closes. After Close it is
// returned already closed.
func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return id, ch
	}
	d.subs[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(id)
}

func (d *DisabledSerialMux) drop(id string) {
	if ch, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(ch)
	}
}

func (d *DisabledSerialMux) SendCommand(string) error { return ErrLinkDisabled }

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id := range d.subs {
		d.drop(id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/device-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("device link disabled\n"))
	})
}
