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
package atdev

import (
	"encoding/binary"

	"github.com/op/go-logging"

	"netsiohub/internal/hub"
	"netsiohub/internal/netsio"
)

// inlineBlockLimit is the DATA_BLOCK payload size still small enough to pack
// into a single INTERRUPT call instead of a WRITE_SEG_MEM/INTERRUPT pair
// (spec.md §4.6).
const inlineBlockLimit = 6

// runPump drains the hub's host-bound queue and translates each message into
// the matching host-wire request, waiting on the ready-to-receive gate before
// anything that risks colliding with POKEY while it is busy (spec.md §4.5,
// §4.6). It is the outbound half of a Session and runs for the lifetime of
// one connection.
func runPump(c *conn, queue <-chan netsio.Message, ready *readyGate, h hub.HostFacade, log *logging.Logger, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if !ready.Wait(ReadyTimeout) {
				log.Notice("ATD TIMEOUT waiting for ready-to-receive, draining queue")
				drainQueue(queue)
				ready.SetReady()
			}
			select {
			case <-stop:
				return
			default:
			}
			if len(queue) < 2 {
				h.CreditClients()
			}
			if setsBusy(msg) {
				ready.ClearReady()
			}
			if err := send(c, msg); err != nil {
				log.Debugf("atdev: pump write failed: %v", err)
				return
			}
		}
	}
}

func drainQueue(queue <-chan netsio.Message) {
	for {
		select {
		case <-queue:
		default:
			return
		}
	}
}

// setsBusy reports whether delivering msg is expected to put POKEY back into
// a busy state, requiring a fresh ATDEV_READY before the next send.
func setsBusy(msg netsio.Message) bool {
	switch msg.ID {
	case netsio.DataByte, netsio.DataBlock, netsio.BusIdle:
		return true
	default:
		return false
	}
}

func send(c *conn, msg netsio.Message) error {
	switch msg.ID {
	case netsio.DataBlock:
		return sendDataBlock(c, msg.Arg)
	case netsio.SpeedChange:
		baud := uint32(0)
		if len(msg.Arg) >= 4 {
			baud = binary.LittleEndian.Uint32(msg.Arg)
		}
		return c.interrupt(uint32(msg.ID), baud)
	case netsio.BusIdle:
		dur := uint32(0)
		if len(msg.Arg) >= 2 {
			dur = uint32(binary.LittleEndian.Uint16(msg.Arg))
		}
		return c.interrupt(uint32(msg.ID), dur)
	case netsio.DataByte:
		var b byte
		if len(msg.Arg) > 0 {
			b = msg.Arg[0]
		}
		return c.interrupt(uint32(msg.ID), uint32(b))
	default:
		var b byte
		if len(msg.Arg) > 0 {
			b = msg.Arg[0]
		}
		return c.interrupt(uint32(msg.ID), uint32(b))
	}
}

// sendDataBlock packs payloads of up to inlineBlockLimit bytes directly into
// the INTERRUPT call's aux1/aux2 fields; longer payloads go through
// WRITE_SEG_MEM into the emulator's receive segment, followed by an
// INTERRUPT announcing the transfer (spec.md §4.6).
func sendDataBlock(c *conn, data []byte) error {
	n := len(data)
	if n > inlineBlockLimit {
		if err := c.writeSegMem(SegmentReceive, 0, data); err != nil {
			return err
		}
		return c.interrupt(netsio.AtDevTransmitBuffer, uint32(n))
	}

	aux1 := uint32(netsio.AtDevTransmitBuffer) | uint32(n)<<9
	if n > 0 {
		aux1 |= uint32(data[0]) << 16
	}
	if n > 1 {
		aux1 |= uint32(data[1]) << 24
	}
	var aux2 uint32
	if n > 2 {
		aux2 = uint32(data[2])
	}
	if n > 3 {
		aux2 |= uint32(data[3]) << 8
	}
	if n > 4 {
		aux2 |= uint32(data[4]) << 16
	}
	if n > 5 {
		aux2 |= uint32(data[5]) << 24
	}
	return c.interrupt(aux1, aux2)
}
