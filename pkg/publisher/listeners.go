package publisher

import (
	"sync"
)

// Listeners keeps the registered listeners of a sink and tracks its
// connection state. Concrete sinks embed it to satisfy the registration
// half of Sink. A listener registered twice is kept once.
type Listeners struct {
	mu        sync.RWMutex
	conn      []ConnectionListener
	delivery  []DeliveryListener
	connected bool
}

// RegisterConnectionListener adds l unless it is already registered
func (ls *Listeners) RegisterConnectionListener(l ConnectionListener) {
	if l == nil {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, existing := range ls.conn {
		if existing == l {
			return
		}
	}
	ls.conn = append(ls.conn, l)
}

// UnregisterConnectionListener removes l
func (ls *Listeners) UnregisterConnectionListener(l ConnectionListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, existing := range ls.conn {
		if existing == l {
			ls.conn = append(ls.conn[:i:i], ls.conn[i+1:]...)
			return
		}
	}
}

// RegisterDeliveryListener adds l unless it is already registered
func (ls *Listeners) RegisterDeliveryListener(l DeliveryListener) {
	if l == nil {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, existing := range ls.delivery {
		if existing == l {
			return
		}
	}
	ls.delivery = append(ls.delivery, l)
}

// UnregisterDeliveryListener removes l
func (ls *Listeners) UnregisterDeliveryListener(l DeliveryListener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, existing := range ls.delivery {
		if existing == l {
			ls.delivery = append(ls.delivery[:i:i], ls.delivery[i+1:]...)
			return
		}
	}
}

// ConnectionListenerCount returns the number of registered connection listeners
func (ls *Listeners) ConnectionListenerCount() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.conn)
}

// DeliveryListenerCount returns the number of registered delivery listeners
func (ls *Listeners) DeliveryListenerCount() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.delivery)
}

// Connected reports the last known connection state
func (ls *Listeners) Connected() bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.connected
}

// MarkConnected records a successful round trip and notifies
// OnConnectionEstablished on the down->up transition.
func (ls *Listeners) MarkConnected() {
	ls.mu.Lock()
	if ls.connected {
		ls.mu.Unlock()
		return
	}
	ls.connected = true
	listeners := ls.connSnapshot()
	ls.mu.Unlock()

	for _, l := range listeners {
		l.OnConnectionEstablished()
	}
}

// MarkLost records a failed round trip and notifies OnConnectionLost
// on the up->down transition.
func (ls *Listeners) MarkLost() {
	ls.mu.Lock()
	if !ls.connected {
		ls.mu.Unlock()
		return
	}
	ls.connected = false
	listeners := ls.connSnapshot()
	ls.mu.Unlock()

	for _, l := range listeners {
		l.OnConnectionLost()
	}
}

// MarkDisconnected records an explicit close. OnDisconnected is always
// delivered, whatever the previous state.
func (ls *Listeners) MarkDisconnected() {
	ls.mu.Lock()
	ls.connected = false
	listeners := ls.connSnapshot()
	ls.mu.Unlock()

	for _, l := range listeners {
		l.OnDisconnected()
	}
}

// NotifyMessageConfirmed delivers a confirmation to every delivery listener
func (ls *Listeners) NotifyMessageConfirmed(messageID string) {
	ls.mu.RLock()
	listeners := make([]DeliveryListener, len(ls.delivery))
	copy(listeners, ls.delivery)
	ls.mu.RUnlock()

	for _, l := range listeners {
		l.OnMessageConfirmed(messageID)
	}
}

// connSnapshot must be called with mu held
func (ls *Listeners) connSnapshot() []ConnectionListener {
	listeners := make([]ConnectionListener, len(ls.conn))
	copy(listeners, ls.conn)
	return listeners
}
