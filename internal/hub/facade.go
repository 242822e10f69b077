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
// Package hub implements the orchestrator tying the host custom-device
// session to whichever peripheral backend (UDP or serial) is active: the
// sync-rendezvous slot, the host-bound queue, and the connect/disconnect
// lifecycle (spec.md §4.7).
package hub

import (
	"time"

	"netsiohub/internal/netsio"
)

// ReadySignal is the narrow view of the host session's ready-to-receive
// gate the hub needs: the ability to mark POKEY busy again after delivering
// a sync response that carries data. Satisfied structurally by the atdev
// package's gate type, so hub never imports atdev (spec.md §4.5, §4.7).
type ReadySignal interface {
	ClearReady()
}

// PeripheralBackend is the narrow contract the hub calls on either the UDP
// transport or the serial backend (spec.md §4.8).
type PeripheralBackend interface {
	ToPeripheral(msg netsio.Message)
	Connected() bool
	CreditClients()
	SyncTimeout() time.Duration
}

// HostFacade is the narrow contract the host session and its outbound pump
// call on the hub (spec.md §4.7, §4.5).
type HostFacade interface {
	HandleHostMsg(m netsio.Message)
	HandleHostMsgSync(m netsio.Message) int32
	HostConnected(ready ReadySignal) <-chan netsio.Message
	HostDisconnected()
	CreditClients()
	HostQueueSize() int
}
