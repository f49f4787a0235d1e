// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that provides the connection between the at or gsm packages
// and the physical modem.
package serial

import (
	"github.com/tarm/serial"
)

// Config holds the serial port parameters used by New. The zero Config is
// not useful directly - New starts from the platform's defaultConfig and
// applies Options on top of it.
type Config struct {
	port string
	baud int
}

// Option modifies a Config.
type Option func(*Config)

// WithPort overrides the serial device path.
func WithPort(port string) Option {
	return func(cfg *Config) { cfg.port = port }
}

// WithBaud overrides the baud rate.
func WithBaud(baud int) Option {
	return func(cfg *Config) { cfg.baud = baud }
}

// New opens a serial port, which provides the io.ReadWriter used by the at
// package to drive a modem. Defaults to the platform's usual modem device
// at 115200 baud; override with WithPort/WithBaud.
func New(opts ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return serial.OpenPort(&serial.Config{Name: cfg.port, Baud: cfg.baud})
}
