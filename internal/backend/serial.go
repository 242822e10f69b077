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
// Package backend holds the serial implementer of hub.PeripheralBackend (the
// UDP implementer is the transport in package netsio): Serial mirrors the
// same contract onto a single RS-232 line (spec.md §4.8, §4.10).
package backend

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/op/go-logging"

	"netsiohub/internal/netsio"
)

// Serial buffering mirrors the UDP coalescing buffer's size/age policy, but
// with its own constants: the serial reader observes a read timeout rather
// than a dedicated flush timer, so its age window is wider (spec.md §4.10).
const (
	SerialBufferSize     = 130
	SerialBufferMaxAge   = 15 * time.Millisecond
	SerialReadTimeout    = 2 * time.Millisecond
	SerialDefaultBaud    = 19200
	SerialBaudAdjust     = 0.979
	SerialQueueCapacity  = 16
	SerialSyncTimeout    = 80 * time.Millisecond
	SerialErrorThreshold = 10
	SerialErrorCooldown  = 5 * time.Second
)

// ControlLine names one RS-232 control line usable for the SIO COMMAND
// (output) or PROCEED (input) signal.
type ControlLine int

const (
	LineNone ControlLine = iota
	LineRTS
	LineDTR
	LineCTS
	LineDSR
)

// ParseCommandLine maps the --command flag's value to a control line.
func ParseCommandLine(s string) ControlLine {
	switch strings.ToUpper(s) {
	case "RTS":
		return LineRTS
	case "DTR":
		return LineDTR
	default:
		return LineNone
	}
}

// ParseProceedLine maps the --proceed flag's value to a control line.
func ParseProceedLine(s string) ControlLine {
	switch strings.ToUpper(s) {
	case "CTS":
		return LineCTS
	case "DSR":
		return LineDSR
	default:
		return LineNone
	}
}

// controlPort is the subset of a serial port's control-line access this
// backend needs. Not every platform implementation behind goburrow/serial's
// io.ReadWriteCloser exposes it, so the backend type-asserts for it and
// silently degrades to a no-op when absent, rather than assuming it.
type controlPort interface {
	SetRTS(bool) error
	SetDTR(bool) error
	CTS() (bool, error)
	DSR() (bool, error)
}

// allowGate is the same single-signal, re-armable handshake primitive as
// atdev's ready-to-receive gate, used here to let the writer pause the
// reader before touching shared port state (baud rate, reset) without a
// race on the OS handle — the Go replacement for the original's paired
// threading.Event/Condition (spec.md §4.10, §9).
type allowGate struct {
	mu      sync.Mutex
	allowed bool
	ch      chan struct{}
}

func newAllowGate() *allowGate {
	g := &allowGate{allowed: true, ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *allowGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.allowed {
		g.allowed = false
		g.ch = make(chan struct{})
	}
}

func (g *allowGate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.allowed {
		g.allowed = true
		close(g.ch)
	}
}

func (g *allowGate) snapshot() (bool, chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed, g.ch
}

// Serial is the hardware peripheral backend: one RS-232 port shared between
// a reader goroutine and a writer goroutine, grounded on
// SerialSIOManager/SerInThread/SerOutThread in the original implementation.
type Serial struct {
	log         *logging.Logger
	sink        netsio.DeviceMsgSink
	device      string
	commandLine ControlLine
	proceedLine ControlLine

	portMu sync.Mutex
	port   serialPort

	allowRead *allowGate
	pausedAck chan struct{}

	syncMu    sync.Mutex
	syncArmed bool
	syncNum   byte

	deviceQueue chan netsio.Message
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// serialPort is the io surface Serial needs from goburrow/serial's Open.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// NewSerial constructs a Serial backend bound to device. The sink it
// delivers device traffic to is bound separately via SetSink, since the
// hub's own constructor needs a reference to this backend (spec.md §4.10,
// §4.7).
func NewSerial(log *logging.Logger, device string, commandLine, proceedLine ControlLine) *Serial {
	return &Serial{
		log:         log,
		device:      device,
		commandLine: commandLine,
		proceedLine: proceedLine,
		allowRead:   newAllowGate(),
		pausedAck:   make(chan struct{}),
		deviceQueue: make(chan netsio.Message, SerialQueueCapacity),
		stopCh:      make(chan struct{}),
	}
}

// SetSink binds the hub this backend delivers device traffic to. Must be
// called once, before Start.
func (s *Serial) SetSink(sink netsio.DeviceMsgSink) {
	s.sink = sink
}

// Start opens the serial port and launches the reader and writer goroutines.
func (s *Serial) Start() error {
	p, err := s.open(SerialDefaultBaud)
	if err != nil {
		return fmt.Errorf("backend: open serial port %s: %w", s.device, err)
	}
	s.portMu.Lock()
	s.port = p
	s.portMu.Unlock()
	s.log.Noticef("Serial port open: %s", s.device)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *Serial) open(baud int) (serialPort, error) {
	cfg := &serial.Config{
		Address:  s.device,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  SerialReadTimeout,
	}
	return serial.Open(cfg)
}

// Stop terminates both goroutines and closes the port. Idempotent.
func (s *Serial) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.portMu.Lock()
		if s.port != nil {
			_ = s.port.Close()
		}
		s.portMu.Unlock()
	})
	s.wg.Wait()
}

// Connected reports whether the port is currently open. The serial backend
// has exactly one implicit peripheral once started; unlike the UDP
// transport there is no registry of distinct clients.
func (s *Serial) Connected() bool {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.port != nil
}

// SyncTimeout is the serial backend's wait for a synchronous sync-response.
func (s *Serial) SyncTimeout() time.Duration { return SerialSyncTimeout }

// CreditClients is a no-op for the serial backend: flow-control credit is a
// NetSIO/UDP concept with no analog over a single dedicated RS-232 line.
func (s *Serial) CreditClients() {}

// ToPeripheral enqueues msg for the writer goroutine. Reset events first
// drain any queued traffic, matching the UDP transport's reset handling.
func (s *Serial) ToPeripheral(msg netsio.Message) {
	if msg.ID == netsio.ColdReset || msg.ID == netsio.WarmReset {
		s.drainQueue()
	}
	select {
	case <-s.stopCh:
	case s.deviceQueue <- msg:
	}
}

func (s *Serial) drainQueue() {
	for {
		select {
		case <-s.deviceQueue:
		default:
			return
		}
	}
}

func (s *Serial) readLoop() {
	defer s.wg.Done()
	buffer := make([]byte, 0, SerialBufferSize)
	var bufferDeadline time.Time
	proceedSave := s.readProceed()
	errors := 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if allowed, ch := s.allowRead.snapshot(); !allowed {
			select {
			case s.pausedAck <- struct{}{}:
			case <-s.stopCh:
				return
			}
			select {
			case <-ch:
			case <-s.stopCh:
				return
			}
			continue
		}

		if proceed, err := s.readProceedErr(); err == nil {
			if proceed != proceedSave {
				proceedSave = proceed
				id := netsio.ProceedOff
				if proceed {
					id = netsio.ProceedOn
				}
				s.sink.HandleDeviceMsg(netsio.New(id), nil)
			}
		}

		data, err := s.readPort(SerialBufferSize - len(buffer))
		if err != nil {
			errors++
			if errors >= SerialErrorThreshold {
				s.log.Notice("Suspending serial reader after repeated errors")
				time.Sleep(SerialErrorCooldown)
				s.log.Notice("Serial reader resumed")
				errors = 0
			}
			continue
		}
		errors = 0

		switch {
		case len(data) > 0:
			if sn, armed := s.takeSyncNum(); armed {
				s.sink.HandleDeviceMsg(netsio.WithPayload(netsio.SyncResponse, []byte{sn, netsio.AckSync, data[0], 0, 0}), nil)
				buffer = append(buffer, data[1:]...)
			} else {
				buffer = append(buffer, data...)
				if len(buffer) >= SerialBufferSize {
					s.flushBuffer(&buffer)
					bufferDeadline = time.Time{}
					continue
				}
			}
			bufferDeadline = time.Now().Add(SerialBufferMaxAge)
		case len(buffer) > 0 && !bufferDeadline.IsZero() && time.Now().After(bufferDeadline):
			s.flushBuffer(&buffer)
			bufferDeadline = time.Time{}
		}
	}
}

func (s *Serial) flushBuffer(buffer *[]byte) {
	data := append([]byte(nil), (*buffer)...)
	*buffer = (*buffer)[:0]
	if len(data) == 0 {
		return
	}
	if len(data) == 1 {
		s.sink.HandleDeviceMsg(netsio.New(netsio.DataByte, data[0]), nil)
	} else {
		s.sink.HandleDeviceMsg(netsio.WithPayload(netsio.DataBlock, data), nil)
	}
}

func (s *Serial) writeLoop() {
	defer s.wg.Done()
	s.assertCommand(false)
	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.deviceQueue:
			s.apply(msg)
		}
	}
}

func (s *Serial) apply(msg netsio.Message) {
	switch msg.ID {
	case netsio.CommandOff, netsio.CommandOffSync:
		s.assertCommand(false)
		if msg.ID == netsio.CommandOffSync && len(msg.Arg) > 0 {
			s.armSync(msg.Arg[0])
		}
	case netsio.DataByte, netsio.DataByteSync, netsio.DataBlock:
		s.portMu.Lock()
		p := s.port
		s.portMu.Unlock()
		if p != nil {
			_, _ = p.Write(msg.Arg)
		}
		if msg.ID == netsio.DataByteSync && len(msg.Arg) > 1 {
			s.armSync(msg.Arg[1])
		}
	case netsio.CommandOn:
		s.assertCommand(true)
	case netsio.SpeedChange:
		if len(msg.Arg) >= 4 {
			baud := binary.LittleEndian.Uint32(msg.Arg)
			s.changeBaud(baud)
			s.sink.HandleDeviceMsg(msg, nil)
		}
	case netsio.WarmReset, netsio.ColdReset:
		s.resetPort()
	}
}

func (s *Serial) armSync(sn byte) {
	s.syncMu.Lock()
	s.syncArmed = true
	s.syncNum = sn
	s.syncMu.Unlock()
}

func (s *Serial) takeSyncNum() (byte, bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if !s.syncArmed {
		return 0, false
	}
	s.syncArmed = false
	return s.syncNum, true
}

func (s *Serial) clearSync() {
	s.syncMu.Lock()
	s.syncArmed = false
	s.syncMu.Unlock()
}

// changeBaud pauses the reader, applies the 0.979 baud adjustment factor,
// and reopens the port at the new rate (spec.md §6). goburrow/serial has no
// in-place baud change, so reopening the port is this backend's equivalent
// of the original's reset_input_buffer/reset_output_buffer plus assignment
// to serial.baudrate.
func (s *Serial) changeBaud(baud uint32) {
	s.pauseRead()
	defer s.resumeRead()
	adjusted := int(float64(baud) * SerialBaudAdjust)
	if err := s.reconfigure(adjusted); err != nil {
		s.log.Debugf("serial: reconfigure failed: %v", err)
	}
	s.clearSync()
}

func (s *Serial) resetPort() {
	s.pauseRead()
	defer s.resumeRead()
	if err := s.reconfigure(SerialDefaultBaud); err != nil {
		s.log.Debugf("serial: reset reconfigure failed: %v", err)
	}
	s.clearSync()
}

func (s *Serial) reconfigure(baud int) error {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
	p, err := s.open(baud)
	if err != nil {
		return err
	}
	s.port = p
	return nil
}

func (s *Serial) pauseRead() {
	s.allowRead.Clear()
	select {
	case <-s.pausedAck:
	case <-s.stopCh:
	}
}

func (s *Serial) resumeRead() { s.allowRead.Set() }

func (s *Serial) readPort(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	s.portMu.Lock()
	p := s.port
	s.portMu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("serial: port not open")
	}
	buf := make([]byte, n)
	read, err := p.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:read], nil
}

func isTimeout(err error) bool {
	te, ok := err.(interface{ Timeout() bool })
	return ok && te.Timeout()
}

func (s *Serial) asControlPort() (controlPort, bool) {
	s.portMu.Lock()
	p := s.port
	s.portMu.Unlock()
	cp, ok := p.(controlPort)
	return cp, ok
}

func (s *Serial) assertCommand(v bool) {
	if s.commandLine == LineNone {
		return
	}
	cp, ok := s.asControlPort()
	if !ok {
		return
	}
	var err error
	switch s.commandLine {
	case LineRTS:
		err = cp.SetRTS(v)
	case LineDTR:
		err = cp.SetDTR(v)
	}
	if err != nil {
		s.log.Debugf("serial: set command line: %v", err)
	}
}

func (s *Serial) readProceedErr() (bool, error) {
	if s.proceedLine == LineNone {
		return false, nil
	}
	cp, ok := s.asControlPort()
	if !ok {
		return false, fmt.Errorf("serial: control lines unsupported by this port")
	}
	switch s.proceedLine {
	case LineCTS:
		return cp.CTS()
	case LineDSR:
		return cp.DSR()
	default:
		return false, nil
	}
}

func (s *Serial) readProceed() bool {
	v, _ := s.readProceedErr()
	return v
}
