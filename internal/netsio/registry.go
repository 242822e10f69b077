/*
 * netsiohub: bridges an Atari 8-bit emulator with NetSIO/serial peripherals
 * Copyright 2019 Daniel Selifonov
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package netsio

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
)

// DefaultCredit is the credit a client is granted on registration, and the
// ceiling advertised credit never exceeds (invariant I4 in spec.md).
const DefaultCredit = 3

// AliveExpiration is how long a client may go without traffic before it is
// considered disconnected (invariant I2 in spec.md).
const AliveExpiration = 30 * time.Second

// Client is one registered peripheral connection, keyed in the Registry by
// its remote UDP address. Mutable fields (credit, expiry) are guarded by
// their own lock so the registry lock never has to be held across I/O.
type Client struct {
	Addr net.Addr
	ID   uuid.UUID

	mu       sync.Mutex
	credit   int
	deadline time.Time
}

func newClient(addr net.Addr) *Client {
	return &Client{
		Addr:     addr,
		ID:       uuid.New(),
		deadline: time.Now().Add(AliveExpiration),
	}
}

// Expired reports whether the client's deadline has passed as of t.
func (c *Client) Expired(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline.Before(t)
}

// Refresh pushes the expiration deadline AliveExpiration out from now.
func (c *Client) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = time.Now().Add(AliveExpiration)
}

// Credit returns the client's current credit balance.
func (c *Client) Credit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credit
}

// UpdateCredit sets the credit to the given value only if the current
// balance is <= threshold, and reports whether it updated. threshold 0
// means "only raise credit from zero" (spec.md §4.2).
func (c *Client) UpdateCredit(credit, threshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credit <= threshold {
		c.credit = credit
		return true
	}
	return false
}

// Sender delivers an encoded message to one peripheral address. Implemented
// by the UDP transport; kept as a narrow interface so the registry never
// needs to know about sockets.
type Sender interface {
	SendTo(addr net.Addr, msg Message) error
}

// Registry tracks connected peripheral clients keyed by remote address. One
// lock guards map membership; per-client mutable state uses the client's own
// lock (spec.md §4.2, §5).
type Registry struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds a new client or refreshes an existing one, always granting
// DefaultCredit and notifying the sender with a CREDIT_UPDATE, mirroring
// register_client in the original hub. Returns the client and whether it was
// newly created.
func (r *Registry) Register(addr net.Addr, sender Sender) (*Client, bool) {
	key := addr.String()

	r.mu.Lock()
	client, existed := r.clients[key]
	if !existed {
		client = newClient(addr)
		r.clients[key] = client
	}
	r.mu.Unlock()

	if existed {
		client.Refresh()
		r.log.Noticef("Device reconnected: %s [%s]  Devices: %d", key, client.ID, r.Count())
	} else {
		r.log.Noticef("Device connected: %s [%s]  Devices: %d", key, client.ID, r.Count())
	}

	client.UpdateCredit(DefaultCredit, DefaultCredit)
	_ = sender.SendTo(addr, New(CreditUpdate, byte(DefaultCredit)))

	return client, !existed
}

// Deregister removes a client by address, returning it if present.
func (r *Registry) Deregister(addr net.Addr) (*Client, bool) {
	key := addr.String()
	r.mu.Lock()
	client, ok := r.clients[key]
	if ok {
		delete(r.clients, key)
	}
	count := len(r.clients)
	r.mu.Unlock()
	if ok {
		r.log.Noticef("Device disconnected: %s [%s]  Devices: %d", key, client.ID, count)
	}
	return client, ok
}

// Get looks up a client by address without mutating registry state.
func (r *Registry) Get(addr net.Addr) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[addr.String()]
	return client, ok
}

// Count returns the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Connected reports whether any client is currently registered.
func (r *Registry) Connected() bool {
	return r.Count() > 0
}

// Snapshot returns a point-in-time copy of the registered client list, safe
// to range over without holding the registry lock (used before broadcast).
func (r *Registry) Snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// ExpireAll walks clients whose deadline has passed and deregisters them,
// returning the ones removed so the caller can emit DEVICE_DISCONNECT
// events upward (spec.md §4.2).
func (r *Registry) ExpireAll(now time.Time) []*Client {
	var stale []*Client
	for _, c := range r.Snapshot() {
		if c.Expired(now) {
			stale = append(stale, c)
		}
	}
	var removed []*Client
	for _, c := range stale {
		if _, ok := r.Deregister(c.Addr); ok {
			r.log.Debugf("Device expired: %s [%s]", c.Addr, c.ID)
			removed = append(removed, c)
		}
	}
	return removed
}
