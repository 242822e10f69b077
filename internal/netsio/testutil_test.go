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
	"io"

	"github.com/op/go-logging"
)

// testLogger returns a logger discarding all output, so tests stay quiet
// without needing a shared init() across files in this package.
func testLogger() *logging.Logger {
	backend := logging.NewLogBackend(io.Discard, "", 0)
	logging.SetBackend(backend)
	return logging.MustGetLogger("netsio_test")
}
