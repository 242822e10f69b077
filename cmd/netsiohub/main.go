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
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"netsiohub/internal/atdev"
	"netsiohub/internal/backend"
	"netsiohub/internal/hub"
	"netsiohub/internal/netsio"
	"netsiohub/internal/netsiolog"
)

// Config assembles the CLI flags into the values hub.New and the backends
// need (spec.md §4.12, §6).
type Config struct {
	NetSIOPort   int
	HostPort     int
	SerialDevice string
	CommandLine  string
	ProceedLine  string
	Verbose      bool
	Debug        bool
}

func main() {
	app := cli.NewApp()
	app.Name = "netsiohub"
	app.Usage = "bridge an Atari 8-bit emulator to NetSIO or serial peripherals"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "netsio-port", Value: 9997, Usage: "UDP port for NetSIO peripherals"},
		cli.IntFlag{Name: "port", Value: 9996, Usage: "TCP port for the emulator's custom device"},
		cli.StringFlag{Name: "serial", Usage: "serial device path; switches to the serial peripheral backend"},
		cli.StringFlag{Name: "command", Value: "RTS", Usage: "serial control line carrying SIO COMMAND: RTS|DTR"},
		cli.StringFlag{Name: "proceed", Value: "CTS", Usage: "serial control line carrying SIO PROCEED: CTS|DSR"},
		cli.BoolFlag{Name: "verbose", Usage: "enable DEBUG logging (same effect as --debug)"},
		cli.BoolFlag{Name: "debug", Usage: "enable per-message DEBUG logging"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := Config{
		NetSIOPort:   c.Int("netsio-port"),
		HostPort:     c.Int("port"),
		SerialDevice: c.String("serial"),
		CommandLine:  c.String("command"),
		ProceedLine:  c.String("proceed"),
		Verbose:      c.Bool("verbose"),
		Debug:        c.Bool("debug"),
	}

	log := netsiolog.Setup("netsiohub", cfg.Verbose, cfg.Debug)

	h, stopPeripheral, err := startPeripheral(log, cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer stopPeripheral()

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.HostPort))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("netsiohub: listen tcp :%d: %v", cfg.HostPort, err), 1)
	}
	defer listener.Close()
	log.Noticef("Listening for emulator on port %d", cfg.HostPort)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-stopSignal
		log.Notice("Shutting down")
		_ = listener.Close()
	}()

	serveHost(log, h, listener)
	return nil
}

// startPeripheral wires either the UDP transport or the serial backend into
// a Hub, per the --serial flag, and returns a stop function for the chosen
// backend (spec.md §4.8, §6).
func startPeripheral(log *logging.Logger, cfg Config) (*hub.Hub, func(), error) {
	if cfg.SerialDevice != "" {
		return startSerialPeripheral(log, cfg)
	}
	return startUDPPeripheral(log, cfg)
}

func startUDPPeripheral(log *logging.Logger, cfg Config) (*hub.Hub, func(), error) {
	transport := netsio.NewTransport(log)
	h := hub.New(log, transport)
	transport.SetSink(h, h)
	if err := transport.Start(cfg.NetSIOPort); err != nil {
		return nil, nil, err
	}
	return h, transport.Stop, nil
}

func startSerialPeripheral(log *logging.Logger, cfg Config) (*hub.Hub, func(), error) {
	s := backend.NewSerial(log, cfg.SerialDevice, backend.ParseCommandLine(cfg.CommandLine), backend.ParseProceedLine(cfg.ProceedLine))
	h := hub.New(log, s)
	s.SetSink(h)
	if err := s.Start(); err != nil {
		return nil, nil, err
	}
	return h, s.Stop, nil
}

// serveHost accepts one emulator connection at a time, serving it to
// completion before accepting the next (the custom-device ABI is
// single-connection by construction; spec.md §4.5, Non-goals).
func serveHost(log *logging.Logger, h *hub.Hub, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		session := atdev.NewSession(conn, h, log)
		if err := session.Serve(conn); err != nil {
			log.Debugf("netsiohub: session ended: %v", err)
		}
	}
}
