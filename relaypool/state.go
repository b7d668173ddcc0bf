// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

package relaypool

// State is the connection state of one relay.
type State int

const (
	// Unknown relays have been mentioned but never dialed.
	Unknown State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StateChange reports a relay moving to a new state.
type StateChange struct {
	Relay string
	State State
	// Err is the dial error for Disconnected, if any.
	Err error
}

const listenerBuffer = 64

// ConnectionStates streams relay state transitions until cancel is called or
// the pool is closed. A slow reader misses transitions rather than blocking
// the pool; States gives the full current picture.
func (p *Pool) ConnectionStates() (<-chan StateChange, func()) {
	ch := make(chan StateChange, listenerBuffer)
	p.listenMu.Lock()
	if p.listeners == nil {
		// pool already closed
		p.listenMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.nextID++
	id := p.nextID
	p.listeners[id] = ch
	p.listenMu.Unlock()
	return ch, func() {
		p.listenMu.Lock()
		defer p.listenMu.Unlock()
		if _, ok := p.listeners[id]; ok {
			delete(p.listeners, id)
			close(ch)
		}
	}
}

// States returns the current state of every known relay.
func (p *Pool) States() map[string]State {
	out := make(map[string]State)
	p.states.Range(func(url string, s State) bool {
		out[url] = s
		return true
	})
	return out
}

// track registers url for health checks without dialing it.
func (p *Pool) track(url string) {
	p.states.LoadOrStore(url, Unknown)
}

func (p *Pool) setState(url string, s State, err error) {
	prev, loaded := p.states.LoadAndStore(url, s)
	if loaded && prev == s {
		return
	}
	change := StateChange{Relay: url, State: s, Err: err}
	if s == Disconnected {
		p.log.Warn("relay %s disconnected: %v", url, err)
	} else {
		p.log.Debug("setState", "relay %s %s", url, s)
	}
	p.listenMu.RLock()
	defer p.listenMu.RUnlock()
	for id, ch := range p.listeners {
		select {
		case ch <- change:
		default:
			p.log.Debug("setState", "listener %d is full, dropping %s change", id, url)
		}
	}
}
