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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/op/go-logging"
)

// PeripheralQueueCapacity is the bound on the queue feeding the UDP sender
// goroutine (spec.md §3, §5).
const PeripheralQueueCapacity = 16

// ReceiveTimeoutGrant is the free-capacity threshold (in the host-bound
// queue) at which a CREDIT_STATUS report or a low-credit sweep earns an
// immediate credit grant (spec.md §4.4).
const ReceiveTimeoutGrant = 2

// DeviceMsgSink is the narrow contract the hub exposes to the transport for
// delivering device-originated events (spec.md §4.8's backend façade, the
// device->hub half).
type DeviceMsgSink interface {
	HandleDeviceMsg(msg Message, client *Client)
}

// HostQueueSizer exposes the current depth of the hub's host-bound queue,
// needed to compute credit grants without coupling the transport to the
// hub's internals.
type HostQueueSizer interface {
	HostQueueSize() int
}

// Transport is the UDP peripheral backend: a receive dispatcher routing
// datagrams to the registry or the hub, a broadcast sender, and the credit
// controller (spec.md §4.4).
type Transport struct {
	log        *logging.Logger
	hub        DeviceMsgSink
	queueSizer HostQueueSizer

	Registry *Registry
	buffer   *Buffer

	conn net.PacketConn

	serialMu sync.Mutex
	serial   byte

	outbound chan Message
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTransport constructs a UDP transport. The hub it reports to is bound
// separately via SetSink, since the hub's own constructor needs a reference
// to this transport as its peripheral backend (spec.md §4.4, §4.7).
func NewTransport(log *logging.Logger) *Transport {
	t := &Transport{
		log:      log,
		outbound: make(chan Message, PeripheralQueueCapacity),
		stopCh:   make(chan struct{}),
	}
	t.Registry = NewRegistry(log)
	t.buffer = NewBuffer(func(m Message) { t.hub.HandleDeviceMsg(m, nil) })
	return t
}

// SetSink binds the hub this transport delivers device traffic to and
// queries for host-bound queue depth. Must be called once, before Start.
func (t *Transport) SetSink(hub DeviceMsgSink, queueSizer HostQueueSizer) {
	t.hub = hub
	t.queueSizer = queueSizer
}

// Start opens the UDP socket and launches the receive and send goroutines.
func (t *Transport) Start(port int) error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("netsio: listen udp :%d: %w", port, err)
	}
	t.conn = conn
	t.log.Noticef("Listening for NetSIO packets on port %d", port)

	t.wg.Add(2)
	go t.receiveLoop()
	go t.sendLoop()
	return nil
}

// Stop terminates both goroutines and the coalescing buffer's timer. Safe
// to call more than once.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.buffer.Stop()
	})
	t.wg.Wait()
}

// Connected reports whether any peripheral is currently registered.
func (t *Transport) Connected() bool {
	return t.Registry.Connected()
}

// SyncTimeout is the UDP backend's wait for a synchronous sync-response.
func (t *Transport) SyncTimeout() time.Duration {
	return 100 * time.Millisecond
}

// ToPeripheral enqueues a message bound for every connected peripheral.
// Reset events first drain any prior queued traffic (spec.md §4.4, §5).
func (t *Transport) ToPeripheral(msg Message) {
	if msg.ID == ColdReset || msg.ID == WarmReset {
		t.drainOutbound()
	}
	select {
	case <-t.stopCh:
		return
	case t.outbound <- msg:
	}
}

func (t *Transport) drainOutbound() {
	for {
		select {
		case <-t.outbound:
		default:
			return
		}
	}
}

// SendTo implements Sender for the registry: one directed datagram.
func (t *Transport) SendTo(addr net.Addr, msg Message) error {
	_, err := t.conn.WriteTo(msg.Encode(), addr)
	return err
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Debugf("netsio: read error: %v", err)
				return
			}
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			t.log.Debugf("netsio: short datagram from %s: %v", addr, err)
			continue
		}
		t.dispatch(msg, addr)
	}
}

func (t *Transport) dispatch(msg Message, addr net.Addr) {
	now := time.Now()
	if msg.ID < ConnMgmtThreshold {
		client, ok := t.Registry.Get(addr)
		if !ok {
			return
		}
		if client.Expired(now) {
			if _, removed := t.Registry.Deregister(addr); removed {
				t.hub.HandleDeviceMsg(New(DeviceDisconnect), client)
			}
			return
		}
		client.Refresh()
		if msg.ID == DataByte {
			t.buffer.Extend(msg.Arg)
		} else {
			t.buffer.Flush()
			t.hub.HandleDeviceMsg(msg, client)
		}
		return
	}

	switch msg.ID {
	case DeviceDisconnect:
		if client, ok := t.Registry.Deregister(addr); ok {
			t.hub.HandleDeviceMsg(New(DeviceDisconnect), client)
		}
	case DeviceConnect:
		client, _ := t.Registry.Register(addr, t)
		t.hub.HandleDeviceMsg(New(DeviceConnect), client)
	case PingRequest:
		_ = t.SendTo(addr, New(PingResponse))
	case AliveRequest:
		if client, ok := t.Registry.Get(addr); ok {
			client.Refresh()
			_ = t.SendTo(addr, New(AliveResponse))
		}
	case CreditStatus:
		if client, ok := t.Registry.Get(addr); ok && len(msg.Arg) > 0 {
			client.UpdateCredit(int(msg.Arg[0]), 10)
			credit := DefaultCredit - t.queueSizer.HostQueueSize()
			if credit >= ReceiveTimeoutGrant && client.UpdateCredit(credit, 0) {
				_ = t.SendTo(addr, New(CreditUpdate, byte(credit)))
			}
		}
	default:
		t.log.Debugf("netsio: unhandled mgmt event %02X from %s", msg.ID, addr)
	}
}

func (t *Transport) sendLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case msg := <-t.outbound:
			t.SendToAll(msg)
		}
	}
}

// SendToAll broadcasts msg to every non-expired client, appending a
// monotonically increasing 8-bit serial number to the payload for
// debugging (spec.md §5, §8).
func (t *Transport) SendToAll(msg Message) {
	now := time.Now()
	clients := t.Registry.Snapshot()

	t.serialMu.Lock()
	out := msg.AppendSeq(t.serial)
	t.serial++
	t.serialMu.Unlock()

	expired := false
	for _, c := range clients {
		if c.Expired(now) {
			expired = true
			continue
		}
		if err := t.SendTo(c.Addr, out); err != nil {
			t.log.Debugf("netsio: send to %s failed: %v", c.Addr, err)
		}
	}
	if expired {
		for _, c := range t.Registry.ExpireAll(now) {
			t.hub.HandleDeviceMsg(New(DeviceDisconnect), c)
		}
	}
}

// CreditClients grants fresh credit to every zero-credit client when the
// host-bound queue has at least ReceiveTimeoutGrant slots free (spec.md
// §4.4).
func (t *Transport) CreditClients() {
	credit := DefaultCredit - t.queueSizer.HostQueueSize()
	if credit < ReceiveTimeoutGrant {
		return
	}
	msg := New(CreditUpdate, byte(credit))
	for _, c := range t.Registry.Snapshot() {
		if c.UpdateCredit(credit, 0) {
			_ = t.SendTo(c.Addr, msg)
		}
	}
}
