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
	"bytes"
	"testing"
)

// fakeRW gives conn a single io.ReadWriter backed by independent read and
// write buffers, so tests can preload a reply and inspect what was written.
type fakeRW struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (f *fakeRW) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeRW) Write(p []byte) (int, error) { return f.w.Write(p) }

func newFakeConn(preloaded []byte) (*conn, *fakeRW) {
	rw := &fakeRW{r: bytes.NewBuffer(preloaded), w: &bytes.Buffer{}}
	return newConn(rw), rw
}

func TestDecodeHeaderLittleEndianLayout(t *testing.T) {
	buf := []byte{
		CmdWriteByte,
		0x01, 0x00, 0x00, 0x00, // Param1 = 1
		0x2A, 0x00, 0x00, 0x00, // Param2 = 42
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // Timestamp = 1
	}
	h := decodeHeader(buf)
	if h.Cmd != CmdWriteByte {
		t.Fatalf("cmd = %d, want %d", h.Cmd, CmdWriteByte)
	}
	if h.Param1 != 1 {
		t.Fatalf("param1 = %d, want 1", h.Param1)
	}
	if h.Param2 != 42 {
		t.Fatalf("param2 = %d, want 42", h.Param2)
	}
	if h.Timestamp != 1 {
		t.Fatalf("timestamp = %d, want 1", h.Timestamp)
	}
}

func TestDecodeHeaderNegativeParam2(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = CmdScriptEvent
	// Param2 = -1 as little-endian u32 0xFFFFFFFF.
	buf[5], buf[6], buf[7], buf[8] = 0xFF, 0xFF, 0xFF, 0xFF
	h := decodeHeader(buf)
	if h.Param2 != -1 {
		t.Fatalf("param2 = %d, want -1", h.Param2)
	}
}

func TestReadHeaderShortReadErrors(t *testing.T) {
	rw := &fakeRW{r: bytes.NewBuffer([]byte{CmdNone, 0x01}), w: &bytes.Buffer{}}
	if _, err := readHeader(rw); err == nil {
		t.Fatal("expected an error reading a truncated header")
	}
}

func TestReplyValueWireFormat(t *testing.T) {
	c, rw := newFakeConn(nil)
	if err := c.replyValue(0x41); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x41, 0x00, 0x00, 0x00}
	if !bytes.Equal(rw.w.Bytes(), want) {
		t.Fatalf("wrote % X, want % X", rw.w.Bytes(), want)
	}
}

func TestReplyAckWireFormat(t *testing.T) {
	c, rw := newFakeConn(nil)
	if err := c.replyAck(); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(rw.w.Bytes(), want) {
		t.Fatalf("wrote % X, want % X", rw.w.Bytes(), want)
	}
}

func TestInterruptWireFormat(t *testing.T) {
	c, rw := newFakeConn(nil)
	if err := c.interrupt(0x01020304, 0xAABBCCDD); err != nil {
		t.Fatal(err)
	}
	want := []byte{reqInterrupt, 0x04, 0x03, 0x02, 0x01, 0xDD, 0xCC, 0xBB, 0xAA}
	if !bytes.Equal(rw.w.Bytes(), want) {
		t.Fatalf("wrote % X, want % X", rw.w.Bytes(), want)
	}
}

func TestReadSegMemRequestsAndReturnsPayload(t *testing.T) {
	reply := []byte{0x11, 0x22, 0x33}
	c, rw := newFakeConn(reply)

	got, err := c.readSegMem(SegmentTransmit, 0, uint32(len(reply)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("got % X, want % X", got, reply)
	}

	wroteLen := rw.w.Bytes()
	wantPrefix := []byte{reqReadSegMem, SegmentTransmit, 0, 0, 0, 0, 0x03, 0, 0, 0}
	if !bytes.Equal(wroteLen, wantPrefix) {
		t.Fatalf("request = % X, want % X", wroteLen, wantPrefix)
	}
}

func TestReadSegMemRejectsZeroLength(t *testing.T) {
	c, _ := newFakeConn(nil)
	if _, err := c.readSegMem(SegmentTransmit, 0, 0); err == nil {
		t.Fatal("expected error for zero-length read")
	}
}

func TestWriteSegMemWireFormat(t *testing.T) {
	c, rw := newFakeConn(nil)
	data := []byte{0x0A, 0x0B}
	if err := c.writeSegMem(SegmentReceive, 0, data); err != nil {
		t.Fatal(err)
	}
	want := []byte{reqWriteSegMem, SegmentReceive, 0, 0, 0, 0, 0x02, 0, 0, 0, 0x0A, 0x0B}
	if !bytes.Equal(rw.w.Bytes(), want) {
		t.Fatalf("wrote % X, want % X", rw.w.Bytes(), want)
	}
}
