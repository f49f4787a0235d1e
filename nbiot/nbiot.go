// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package nbiot provides a driver for NB-IoT modems such as the Quectel
// BC95/NB501 family, built on top of the at package.
//
// Unlike the gsm package's 2G command set, NB-IoT sockets are addressed by
// a single implicit UDP/TCP-like connection rather than a multiplexed
// socket id, and payloads are sent/received as hex-encoded ASCII rather
// than raw bytes on the wire.
package nbiot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/atcore-go/modem/at"
	"github.com/atcore-go/modem/info"
	"github.com/atcore-go/modem/parser"
)

// AutobaudAttempts is the number of bare "AT" commands issued by Attach
// while hunting for the baud rate the modem has settled on.
const AutobaudAttempts = 10

// MaxSendSize is the largest single payload nb501_socket_send will accept
// in one call.
const MaxSendSize = 512

// NBIoT represents an NB-IoT modem, layered over an at.Channel.
type NBIoT struct {
	*at.Channel
}

// New creates an NB-IoT modem driver on top of modem.
func New(modem io.ReadWriter, opts ...at.Option) *NBIoT {
	return &NBIoT{Channel: at.New(modem, opts...)}
}

// Attach performs autobauding against the modem and waits for it to settle.
//
// Real NB-IoT modules may power up at an unknown baud rate; a burst of bare
// AT commands, one of which the modem is bound to catch mid-symbol, gets
// the two ends back in sync.
func (n *NBIoT) Attach(ctx context.Context) error {
	for i := 0; i < AutobaudAttempts; i++ {
		if _, err := n.Command(ctx, ""); err == nil {
			return nil
		}
	}
	return errors.New("no response from modem during autobaud")
}

// OpenPDPContext is a stub: at-nb501.c's nb501_pdp_open has its entire body
// commented out pending hardware verification of the UPSD/UPSDA sequence,
// so this returns success without issuing any commands rather than
// inventing PDP semantics the original never implemented.
func (n *NBIoT) OpenPDPContext(ctx context.Context, apn string) error {
	return nil
}

// ClosePDPContext is a stub for the same reason as OpenPDPContext.
func (n *NBIoT) ClosePDPContext(ctx context.Context) error {
	return nil
}

// Registration returns the CEREG network registration status code.
func (n *NBIoT) Registration(ctx context.Context) (int, error) {
	resp, err := n.Command(ctx, "+CEREG?")
	if err != nil {
		return 0, err
	}
	var state, creg int
	if _, err := fmt.Sscanf(firstMatchingLine(resp, "+CEREG"), "+CEREG: %d,%d", &state, &creg); err != nil {
		return 0, errors.Wrap(err, "malformed CEREG response")
	}
	return creg, nil
}

// Operator returns the operator id and, where reported, the selected radio
// access technology.
func (n *NBIoT) Operator(ctx context.Context) (op int, rat int, err error) {
	resp, err := n.Command(ctx, "+COPS?")
	if err != nil {
		return 0, 0, err
	}
	op, rat = -1, -1
	var mode, format int
	line := firstMatchingLine(resp, "+COPS")
	if n, _ := fmt.Sscanf(line, "+COPS: %d,%d,\"%d\",%d", &mode, &format, &op, &rat); n < 3 {
		return -1, -1, errors.New("malformed COPS response")
	}
	return op, rat, nil
}

// IMEI returns the modem's IMEI.
func (n *NBIoT) IMEI(ctx context.Context) (string, error) {
	resp, err := n.Command(ctx, "+CGSN=1")
	if err != nil {
		return "", err
	}
	var imei string
	if _, err := fmt.Sscanf(firstMatchingLine(resp, "+CGSN"), "+CGSN:%s", &imei); err != nil {
		return "", errors.Wrap(err, "malformed CGSN response")
	}
	return imei, nil
}

// ICCID returns the SIM's ICCID.
func (n *NBIoT) ICCID(ctx context.Context) (string, error) {
	n.SetTimeout(30 * time.Second)
	resp, err := n.Command(ctx, "+NCCID")
	if err != nil {
		return "", err
	}
	var iccid string
	if _, err := fmt.Sscanf(firstMatchingLine(resp, "+NCCID"), "+NCCID:%s", &iccid); err != nil {
		return "", errors.Wrap(err, "malformed NCCID response")
	}
	return iccid, nil
}

// scrubBanner maps non-printable bytes to spaces, both in the line being
// assembled and in the byte it returns, and leaves CR/LF alone, matching the
// reboot banner scraper used while waiting out AT+NRB.
func scrubBanner(ch byte, lineSoFar []byte) byte {
	if ch > 0x1F && ch < 0x7F {
		return ch
	}
	if ch == '\r' || ch == '\n' {
		return ch
	}
	if n := len(lineSoFar); n > 0 && lineSoFar[n-1] == ch {
		lineSoFar[n-1] = ' '
	}
	return ' '
}

// Reset power-cycles the modem: it disables the radio, points the modem at
// its CoAP device platform server, reboots, and re-enables extended CME
// error reporting (numeric codes, +CMEE=1) once the modem comes back.
func (n *NBIoT) Reset(ctx context.Context) error {
	if _, err := n.Command(ctx, "+CFUN=0"); err != nil {
		return err
	}
	if _, err := n.Command(ctx, "+NCDP=180.101.147.115"); err != nil {
		return err
	}
	n.SetTimeout(60 * time.Second)
	n.SetCharacterHandler(scrubBanner)
	if _, err := n.Command(ctx, "+NRB"); err != nil {
		return err
	}
	_, err := n.Command(ctx, "+CMEE=1")
	return err
}

func firstMatchingLine(resp, prefix string) string {
	for _, l := range strings.Split(resp, "\n") {
		if info.HasPrefix(l, prefix) {
			return l
		}
	}
	return ""
}

// Socket is the modem's single implicit UDP/TCP connection.
type Socket struct {
	n *NBIoT
}

// Socket returns the socket handle for the modem's one connection.
func (n *NBIoT) Socket() *Socket {
	return &Socket{n: n}
}

// Send transmits up to MaxSendSize bytes of data, hex-encoded on the wire,
// via a fragmented AT+NMGS command: the length and payload are written as
// fire-and-forget fragments, and a final CommandRaw of a bare CRLF
// terminates the line and waits for the response.
func (s *Socket) Send(ctx context.Context, data []byte) (int, error) {
	if len(data) > MaxSendSize {
		data = data[:MaxSendSize]
	}
	if err := s.n.Send("+NMGS=%d,", len(data)); err != nil {
		return 0, err
	}
	if err := s.n.SendHex(data); err != nil {
		return 0, err
	}
	if _, err := s.n.CommandRaw(ctx, []byte("\r\n")); err != nil {
		return 0, err
	}
	return len(data), nil
}

// commaTerminated returns a one-shot character handler that rewrites the
// first comma following the decimal length prefix of a "<len>,<hex payload>"
// response into a newline, so the header can be classified as soon as
// it is complete without waiting for the hex payload.
func commaTerminated(sawDigit *bool, done *bool) func(ch byte, lineSoFar []byte) byte {
	return func(ch byte, lineSoFar []byte) byte {
		if *done {
			return ch
		}
		if ch >= '0' && ch <= '9' {
			*sawDigit = true
			return ch
		}
		if ch == ',' && *sawDigit {
			*done = true
			return '\n'
		}
		return ch
	}
}

func scannerNMGR(line string) parser.ResponseType {
	var n int
	if _, err := fmt.Sscanf(line, "%d", &n); err == nil && n > 0 {
		return parser.HexDataFollows(n)
	}
	return parser.Unknown
}

// Recv reads the modem's receive buffer via AT+NMGR. The response starts
// with a bare decimal length followed by a comma and the hex-encoded
// payload; a one-shot character handler promotes the comma to the line
// terminator so the scanner can recognise the length header and switch to
// hex-data mode, which decodes the payload that follows the comma.
func (s *Socket) Recv(ctx context.Context, maxLen int) ([]byte, error) {
	var sawDigit, done bool
	s.n.SetCharacterHandler(commaTerminated(&sawDigit, &done))
	s.n.SetCommandScanner(scannerNMGR)
	resp, err := s.n.Command(ctx, "+NMGR")
	if err != nil {
		return nil, err
	}
	idx := strings.IndexByte(resp, '\n')
	if idx < 0 {
		return nil, nil
	}
	payload := []byte(resp[idx+1:])
	if len(payload) > maxLen {
		payload = payload[:maxLen]
	}
	return payload, nil
}
