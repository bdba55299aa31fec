// Package eventbus broadcasts high-level system events (network applied,
// storage VLAN created, migration phase changed, and so on) between the
// apply engine, storage integration, container integration and migration
// middleware.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// Event is implemented by every value that can be published on the bus.
// Kind identifies which concrete payload it carries, mirroring the
// serde tag used on the wire format of the original event enum.
type Event interface {
	Kind() string
}

// NetworkApplied is published once a transaction commits successfully.
type NetworkApplied struct {
	Changes []model.ConfigChange `json:"changes"`
}

func (NetworkApplied) Kind() string { return "network_applied" }

// ContainerStarted is published when a container finishes its start
// sequence, consumed by container-integration hooks that need to attach
// VNet bindings.
type ContainerStarted struct {
	ID string `json:"id"`
}

func (ContainerStarted) Kind() string { return "container_started" }

// StorageVlanCreated is published when a storage backend (re)creates its
// VLAN interface.
type StorageVlanCreated struct {
	ID string `json:"id"`
}

func (StorageVlanCreated) Kind() string { return "storage_vlan_created" }

// MigrationPhaseChanged is published as the migration middleware advances
// through its rollout phases.
type MigrationPhaseChanged struct {
	Phase string `json:"phase"`
}

func (MigrationPhaseChanged) Kind() string { return "migration_phase_changed" }

// Custom is an extensibility hook for events that don't warrant their own
// type.
type Custom struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

func (Custom) Kind() string { return "custom" }

// Listener reacts to events published on the Bus. A listener that returns
// an error does not stop other listeners from being notified; its error
// is collected and reported back to the publisher.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(ctx context.Context, event Event) error

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ListenerFailure records one listener's failure to process a published
// event.
type ListenerFailure struct {
	Listener string
	Err      error
}

func (f ListenerFailure) String() string {
	return fmt.Sprintf("%s: %v", f.Listener, f.Err)
}

// Bus multiplexes published events to registered listeners. The zero
// value is not usable; construct one with New.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// New returns a Bus with no registered listeners.
func New() *Bus {
	return &Bus{listeners: make(map[string]Listener)}
}

// RegisterListener adds a listener under name. Names must be unique so
// that a listener can later be identified for removal or blamed in a
// failure report.
func (b *Bus) RegisterListener(name string, listener Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.listeners[name]; ok {
		return errs.New(errs.KindDuplicate, "listener %q already registered", name)
	}

	b.listeners[name] = listener

	return nil
}

// UnregisterListener removes the listener registered under name.
func (b *Bus) UnregisterListener(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.listeners[name]; !ok {
		return errs.New(errs.KindNotFound, "listener %q not found", name)
	}

	delete(b.listeners, name)

	return nil
}

// Publish delivers event to every registered listener. Listeners are
// invoked against a snapshot of the registry taken under a read lock, so
// a listener registering or unregistering during Publish never
// deadlocks and never changes the set of recipients for this call.
// Publish itself always completes; the event is delivered to every
// listener in the snapshot regardless of earlier failures, and all
// failures are reported together as a single *errs.Error of kind
// KindListenerFailures.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	type entry struct {
		name     string
		listener Listener
	}

	b.mu.RLock()
	snapshot := make([]entry, 0, len(b.listeners))
	for name, listener := range b.listeners {
		snapshot = append(snapshot, entry{name: name, listener: listener})
	}
	b.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].name < snapshot[j].name })

	var failures []ListenerFailure

	for _, e := range snapshot {
		if err := e.listener.OnEvent(ctx, event); err != nil {
			logger.Warn("event listener failed", logger.Ctx{
				"listener": e.name, "event": event.Kind(), "error": err.Error(),
			})
			failures = append(failures, ListenerFailure{Listener: e.name, Err: err})
		}
	}

	if len(failures) == 0 {
		return nil
	}

	return errs.New(errs.KindListenerFailures, "%d listener(s) failed: %s", len(failures), joinFailures(failures)).
		WithField("failures", failures)
}

func joinFailures(failures []ListenerFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.String()
	}

	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}

	return out
}
