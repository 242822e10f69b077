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
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"netsiohub/internal/hub"
	"netsiohub/internal/netsio"
)

// ReadyTimeout is how long the outbound pump waits for the emulator's
// ATDEV_READY handshake before draining the queue and recovering (spec.md §6).
const ReadyTimeout = 5 * time.Second

// Session is one framed TCP connection from the emulator's custom device.
// It decodes command headers, dispatches to handlers, and owns the
// ready-to-receive gate the outbound pump waits on (spec.md §4.5).
type Session struct {
	log  *logging.Logger
	hub  hub.HostFacade
	conn *conn
	id   uuid.UUID

	ready   *readyGate
	counter byte
	emuTS   uint64

	stop chan struct{}
}

// NewSession wraps an accepted net.Conn for one emulator connection. The
// generated id has no wire role - it exists purely to correlate this
// session's log lines across a run with multiple emulator connections.
func NewSession(nc net.Conn, h hub.HostFacade, log *logging.Logger) *Session {
	return &Session{
		log:   log,
		hub:   h,
		conn:  newConn(nc),
		id:    uuid.New(),
		ready: newReadyGate(),
		stop:  make(chan struct{}),
	}
}

// Serve reads and dispatches commands until the connection closes or an
// unknown command id is seen (both fatal per spec.md §4.9). Blocks for the
// lifetime of the connection.
func (s *Session) Serve(nc net.Conn) error {
	s.log.Noticef("Connection received from emulator [%s]", s.id)

	queue := s.hub.HostConnected(s.ready)
	go runPump(s.conn, queue, s.ready, s.hub, s.log, s.stop)

	defer func() {
		close(s.stop)
		s.hub.HostDisconnected()
		_ = nc.Close()
	}()

	for {
		header, err := readHeader(nc)
		if err != nil {
			s.log.Noticef("Connection closed [%s]", s.id)
			return nil
		}
		if err := s.dispatch(nc, header); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(nc net.Conn, h CommandHeader) error {
	s.emuTS = h.Timestamp
	switch h.Cmd {
	case CmdNone:
		// heartbeat, no reply
		return nil
	case CmdDebugReadByte:
		return s.conn.replyValue(int32(s.counter))
	case CmdReadByte:
		v := s.counter
		s.counter++
		return s.conn.replyValue(int32(v))
	case CmdWriteByte:
		s.counter = byte(h.Param2)
		return s.conn.replyAck()
	case CmdColdReset:
		// timestamp recorded only; Altirra sometimes sends this without an
		// actual cold reset of the emulated machine, so it is not forwarded.
		return s.conn.replyAck()
	case CmdWarmReset:
		s.hub.HandleHostMsg(netsio.New(netsio.WarmReset))
		return s.conn.replyAck()
	case CmdError:
		msg, err := readAll(nc, int(h.Param2))
		if err != nil {
			return err
		}
		s.log.Errorf("Error from emulator: %s", string(msg))
		return nil
	case CmdScriptEvent:
		result := s.handleScriptEvent(int(h.Param1), int32(h.Param2))
		return s.conn.replyValue(result)
	case CmdScriptPost:
		s.handleScriptPost(int(h.Param1), int32(h.Param2))
		return nil
	default:
		s.log.Noticef("Unhandled command %02X - closing connection.", h.Cmd)
		return fmt.Errorf("atdev: unhandled command %02X", h.Cmd)
	}
}

func (s *Session) handleScriptPost(event int, arg int32) {
	switch event {
	case netsio.AtDevReady:
		s.ready.SetReady()
	case netsio.DataByte:
		s.hub.HandleHostMsg(netsio.New(netsio.DataByte, byte(arg)))
	case netsio.SpeedChange:
		s.hub.HandleHostMsg(netsio.WithPayload(netsio.SpeedChange, le32(uint32(arg))))
	default:
		if event == netsio.ColdReset {
			s.ready.SetReady()
		}
		s.hub.HandleHostMsg(netsio.WithPayload(event, nil))
	}
}

func (s *Session) handleScriptEvent(event int, arg int32) int32 {
	switch event {
	case netsio.DataByteSync:
		return s.hub.HandleHostMsgSync(netsio.New(netsio.DataByteSync, byte(arg)))
	case netsio.CommandOffSync:
		return s.hub.HandleHostMsgSync(netsio.New(netsio.CommandOffSync))
	case netsio.DataBlock:
		data, err := s.conn.readSegMem(SegmentTransmit, 0, uint32(arg))
		if err != nil {
			s.log.Debugf("atdev: read segment failed: %v", err)
			return netsio.AtDevEmptySync
		}
		s.hub.HandleHostMsg(netsio.WithPayload(netsio.DataBlock, data))
		return netsio.AtDevEmptySync
	case netsio.AtDevDebugNop:
		return arg
	default:
		s.log.Noticef("Invalid ATD CALL %02X", event)
		return netsio.AtDevEmptySync
	}
}
