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
// Package netsiolog wires a process-wide op/go-logging logger, modeled on
// the same NewLogBackend/AddModuleLevel setup the corpus's kryptco daemon
// uses, in place of a package-level mutable debug flag (spec.md §9, §4.11).
package netsiolog

import (
	"os"

	"github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.6s} ▶ %{message}`,
)

// Setup builds a *logging.Logger writing to stderr, at NOTICE by default or
// DEBUG when either verbose or debug is set (the hub doesn't distinguish
// finer granularity than the original's two print tiers).
func Setup(prefix string, verbose, debug bool) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetFormatter(format)

	leveled := logging.AddModuleLevel(backend)
	level := logging.NOTICE
	if verbose || debug {
		level = logging.DEBUG
	}
	leveled.SetLevel(level, prefix)
	logging.SetBackend(leveled)

	return logging.MustGetLogger(prefix)
}
