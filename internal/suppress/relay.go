package suppress

import (
	"errors"
	"log/slog"
)

// Relay fans commands for one tab out to every frame of that tab. It does
// not filter or track frames; frames that are not listening simply miss
// the command.
type Relay struct {
	bus         Bus
	tabID       string
	unsubscribe func()
}

// NewRelay subscribes a relay for tabID on bus.
func NewRelay(bus Bus, tabID string) *Relay {
	r := &Relay{bus: bus, tabID: tabID}
	r.unsubscribe = bus.Subscribe(RelayEndpoint(tabID), r.forward)
	return r
}

func (r *Relay) forward(msg Message) {
	if msg.TabID != r.tabID {
		slog.Warn("suppress: relay received command for another tab", "tab", r.tabID, "target", msg.TabID)
		return
	}
	for _, ep := range r.bus.Frames(r.tabID) {
		if err := r.bus.Send(ep, msg); err != nil && !errors.Is(err, ErrNoReceiver) {
			slog.Warn("suppress: forward command", "endpoint", ep.String(), "err", err)
		}
	}
}

// Close unsubscribes the relay.
func (r *Relay) Close() error {
	r.unsubscribe()
	return nil
}
