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
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := WithPayload(DataBlock, []byte{0x01, 0x02, 0x03})
	encoded := m.Encode()

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ID != DataBlock {
		t.Fatalf("id = %02X, want %02X", decoded.ID, DataBlock)
	}
	if !bytes.Equal(decoded.Arg, m.Arg) {
		t.Fatalf("arg = % X, want % X", decoded.Arg, m.Arg)
	}
}

func TestDecodeEmptyDatagram(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error decoding empty datagram")
	}
}

func TestAppendSeqDoesNotMutateOriginal(t *testing.T) {
	m := New(CommandOffSync)
	tagged := m.AppendSeq(0x07)

	if len(m.Arg) != 0 {
		t.Fatalf("original message mutated: %v", m.Arg)
	}
	if len(tagged.Arg) != 1 || tagged.Arg[0] != 0x07 {
		t.Fatalf("tagged arg = % X, want [07]", tagged.Arg)
	}
}

func TestNewWithoutBytesHasNilArg(t *testing.T) {
	m := New(PingRequest)
	if len(m.Arg) != 0 {
		t.Fatalf("arg = % X, want empty", m.Arg)
	}
	if m.Encode()[0] != PingRequest {
		t.Fatalf("encoded id byte wrong")
	}
}
