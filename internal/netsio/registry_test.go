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
	"testing"
	"time"
)

// fakeSender records every datagram handed to SendTo, standing in for the
// UDP socket during registry tests.
type fakeSender struct {
	sent []Message
}

func (f *fakeSender) SendTo(addr net.Addr, msg Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func testAddr(s string) net.Addr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

func TestRegisterGrantsDefaultCredit(t *testing.T) {
	r := NewRegistry(testLogger())
	sender := &fakeSender{}
	addr := testAddr("127.0.0.1:9000")

	client, isNew := r.Register(addr, sender)
	if !isNew {
		t.Fatal("expected first registration to report new")
	}
	if client.Credit() != DefaultCredit {
		t.Fatalf("credit = %d, want %d", client.Credit(), DefaultCredit)
	}
	if len(sender.sent) != 1 || sender.sent[0].ID != CreditUpdate {
		t.Fatalf("expected one CREDIT_UPDATE, got %v", sender.sent)
	}
	if !r.Connected() {
		t.Fatal("expected registry to report connected")
	}
}

func TestRegisterExistingRefreshesRatherThanDuplicates(t *testing.T) {
	r := NewRegistry(testLogger())
	sender := &fakeSender{}
	addr := testAddr("127.0.0.1:9001")

	first, _ := r.Register(addr, sender)
	second, isNew := r.Register(addr, sender)
	if isNew {
		t.Fatal("expected second registration to not be new")
	}
	if first != second {
		t.Fatal("expected the same client on re-registration")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestUpdateCreditRespectsThreshold(t *testing.T) {
	r := NewRegistry(testLogger())
	sender := &fakeSender{}
	addr := testAddr("127.0.0.1:9002")
	client, _ := r.Register(addr, sender)

	// credit is already DefaultCredit; a threshold-0 update must not apply.
	if client.UpdateCredit(1, 0) {
		t.Fatal("expected update to be refused above threshold")
	}
	if client.Credit() != DefaultCredit {
		t.Fatalf("credit = %d, want unchanged %d", client.Credit(), DefaultCredit)
	}

	// draining credit to zero then granting at threshold 0 must apply.
	client.UpdateCredit(0, DefaultCredit)
	if !client.UpdateCredit(5, 0) {
		t.Fatal("expected update to apply once at or below threshold")
	}
	if client.Credit() != 5 {
		t.Fatalf("credit = %d, want 5", client.Credit())
	}
}

func TestExpireAllRemovesStaleClientsOnly(t *testing.T) {
	r := NewRegistry(testLogger())
	sender := &fakeSender{}
	fresh := testAddr("127.0.0.1:9010")
	stale := testAddr("127.0.0.1:9011")

	r.Register(fresh, sender)
	staleClient, _ := r.Register(stale, sender)

	// Force the stale client's deadline into the past without waiting out
	// AliveExpiration.
	staleClient.mu.Lock()
	staleClient.deadline = time.Now().Add(-time.Second)
	staleClient.mu.Unlock()

	removed := r.ExpireAll(time.Now())
	if len(removed) != 1 || removed[0].Addr.String() != stale.String() {
		t.Fatalf("expired = %v, want only %s", removed, stale)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1 remaining", r.Count())
	}
	if _, ok := r.Get(fresh); !ok {
		t.Fatal("expected fresh client to remain registered")
	}
}

func TestDeregisterUnknownAddrReportsFalse(t *testing.T) {
	r := NewRegistry(testLogger())
	if _, ok := r.Deregister(testAddr("127.0.0.1:9099")); ok {
		t.Fatal("expected deregister of unknown address to report false")
	}
}
