package logging

import (
	"context"
	"sync"
)

// Forwarder sends events to remote syslog servers. It does not own its
// clients; whoever sets them closes them.
type Forwarder struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// SetClients replaces the destinations.
func (f *Forwarder) SetClients(clients []*SyslogClient) {
	f.mu.Lock()
	f.clients = clients
	f.mu.Unlock()
}

// Send forwards one event to every client whose filter it passes.
func (f *Forwarder) Send(rec EventRecord) {
	f.SendMessage(RecordSeverity(rec), FormatEvent(rec))
}

// SendMessage forwards a preformatted line.
func (f *Forwarder) SendMessage(severity int, msg string) {
	f.mu.RLock()
	clients := f.clients
	f.mu.RUnlock()

	for _, c := range clients {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
}

// Run forwards events from sub until ctx is cancelled. sub is closed on
// return.
func (f *Forwarder) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			f.Send(rec)
		}
	}
}
