// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package gsm provides a higher level driver for GSM capable modems, built
// on top of the at package. It adds SMS, a GPRS/TCP socket family, and
// Bluetooth SPP pairing handling, grounded on the quirks of 2G modems such
// as the SIMCom SIM800.
package gsm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/sms/encoding/pdumode"

	"github.com/atcore-go/modem/at"
	"github.com/atcore-go/modem/info"
	"github.com/atcore-go/modem/parser"
)

// GSM represents a modem that supports the GSM command set, layered over
// an at.Channel.
type GSM struct {
	*at.Channel
	sca     pdumode.SMSCAddress
	pduMode bool
}

// New creates a GSM modem driver on top of modem.
func New(modem io.ReadWriter, opts ...at.Option) *GSM {
	g := &GSM{Channel: at.New(modem, opts...)}
	g.SetCallbacks(g.scanLine, g.handleURC)
	return g
}

// SetSCA sets the SMS Centre Address used when sending SMS PDUs.
//
// This overrides the default set in the SIM.
func (g *GSM) SetSCA(sca pdumode.SMSCAddress) {
	g.sca = sca
}

// SetPDUMode selects PDU mode (true) or text mode (false) for SMS.
//
// This must be called before Init.
func (g *GSM) SetPDUMode(pduMode bool) {
	g.pduMode = pduMode
}

var (
	// ErrNotGSMCapable indicates the modem did not report GSM capability
	// in response to +GCAP.
	ErrNotGSMCapable = errors.New("modem is not GSM capable")

	// ErrNotPINReady indicates the modem SIM card is not ready to perform
	// operations.
	ErrNotPINReady = errors.New("modem is not PIN Ready")

	// ErrMalformedResponse indicates a response could not be parsed.
	ErrMalformedResponse = errors.New("modem returned malformed response")

	// ErrWrongMode indicates an SMS operation was attempted in the wrong
	// text/PDU mode.
	ErrWrongMode = errors.New("modem is in the wrong mode")
)

// Init initialises the modem: runs the base at.Channel.Init, confirms GSM
// capability via +GCAP, then configures the SMS mode and verbose CME
// errors.
func (g *GSM) Init(ctx context.Context) error {
	if err := g.Channel.Init(ctx); err != nil {
		return err
	}
	resp, err := g.Command(ctx, "+GCAP")
	if err != nil {
		return err
	}
	capabilities := make(map[string]bool)
	for _, l := range strings.Split(resp, "\n") {
		if info.HasPrefix(l, "+GCAP") {
			for _, c := range strings.Split(info.TrimPrefix(l, "+GCAP"), ",") {
				capabilities[c] = true
			}
		}
	}
	if !capabilities["+CGSM"] {
		return ErrNotGSMCapable
	}
	cmgf := 1
	if g.pduMode {
		cmgf = 0
	}
	if _, err := g.Command(ctx, "+CMGF=%d", cmgf); err != nil {
		return err
	}
	if _, err := g.Command(ctx, "+CMEE=2"); err != nil {
		return err
	}
	return nil
}

// SendSMS sends message, in text mode, to number, and returns the message
// reference reported by the modem.
func (g *GSM) SendSMS(ctx context.Context, number, message string) (string, error) {
	if g.pduMode {
		return "", ErrWrongMode
	}
	g.ExpectDataPrompt("> ")
	if _, err := g.Command(ctx, "+CMGS=\"%s\"", number); err != nil {
		return "", err
	}
	resp, err := g.CommandRaw(ctx, []byte(message+string(rune(26))))
	if err != nil {
		return "", err
	}
	return parseCMGS(resp)
}

// SendSMSPDU sends an already encoded SMS TPDU, in PDU mode, and returns
// the message reference reported by the modem.
func (g *GSM) SendSMSPDU(ctx context.Context, tpdu []byte) (string, error) {
	if !g.pduMode {
		return "", ErrWrongMode
	}
	pdu := pdumode.PDU{SMSC: g.sca, TPDU: tpdu}
	hexStr, err := pdu.MarshalHexString()
	if err != nil {
		return "", err
	}
	g.ExpectDataPrompt("> ")
	if _, err := g.Command(ctx, "+CMGS=%d", len(tpdu)); err != nil {
		return "", err
	}
	resp, err := g.CommandRaw(ctx, []byte(hexStr+string(rune(26))))
	if err != nil {
		return "", err
	}
	return parseCMGS(resp)
}

func parseCMGS(resp string) (string, error) {
	for _, l := range strings.Split(resp, "\n") {
		if info.HasPrefix(l, "+CMGS") {
			return info.TrimPrefix(l, "+CMGS"), nil
		}
	}
	return "", ErrMalformedResponse
}

// scanLine is the long-lived driver scanner installed on the underlying
// Channel. The generic classifier already handles everything GSM needs at
// the top level; socket operations below install their own one-shot
// SetCommandScanner on top of it.
func (g *GSM) scanLine(line string) parser.ResponseType {
	return parser.Unknown
}

// handleURC auto-acknowledges the Bluetooth SPP pairing and connection
// requests the SIM800 raises as unsolicited lines. Writes from a URC
// handler must go through WriteFromURC rather than Send: handleURC runs
// synchronously on the Channel's own engine goroutine.
func (g *GSM) handleURC(line string) {
	switch {
	case strings.HasPrefix(line, "+BTPAIRING:"):
		g.WriteFromURC([]byte("AT+BTPAIR=1,1\r\n"))
	case strings.HasPrefix(line, "+BTCONNECTING:"):
		g.WriteFromURC([]byte("AT+BTACPT=1\r\n"))
	}
}

// EnableBluetooth powers on the modem's Bluetooth radio. Once enabled,
// pairing and SPP connection requests are auto-accepted by handleURC.
func (g *GSM) EnableBluetooth(ctx context.Context) error {
	_, err := g.Command(ctx, "+BTPOWER=1")
	return err
}

// OpenPDPContext brings up a GPRS PDP context on apn.
func (g *GSM) OpenPDPContext(ctx context.Context, apn string) error {
	if _, err := g.Command(ctx, "+CSTT=\"%s\"", apn); err != nil {
		return err
	}
	if _, err := g.Command(ctx, "+CIICR"); err != nil {
		return err
	}
	if _, err := g.Command(ctx, "+CIFSR"); err != nil {
		return err
	}
	return nil
}

// ClosePDPContext tears down the GPRS PDP context.
func (g *GSM) ClosePDPContext(ctx context.Context) error {
	_, err := g.Command(ctx, "+CIPSHUT")
	return err
}

// Socket is a multiplexed TCP socket, numbered per the modem's own
// CIPMUX=1 socket slots (0-5 on the SIM800).
type Socket struct {
	g  *GSM
	id int
}

// Socket returns the socket handle for id (0-5). OpenPDPContext must have
// succeeded first.
func (g *GSM) Socket(id int) *Socket {
	return &Socket{g: g, id: id}
}

// Connect opens a TCP connection on the socket.
func (s *Socket) Connect(ctx context.Context, host string, port int) error {
	_, err := s.g.Command(ctx, "+CIPSTART=%d,\"TCP\",\"%s\",%d", s.id, host, port)
	return err
}

// Send writes data to the socket: a dataprompt-armed command opens the
// send, and the raw payload is then written and awaited under a scanner
// that recognises the modem's own SEND OK/SEND FAIL lines.
func (s *Socket) Send(ctx context.Context, data []byte) (int, error) {
	s.g.ExpectDataPrompt("> ")
	if _, err := s.g.Command(ctx, "+CIPSEND=%d,%d", s.id, len(data)); err != nil {
		return 0, err
	}
	s.g.SetCommandScanner(scanCIPSEND)
	if _, err := s.g.CommandRaw(ctx, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func scanCIPSEND(line string) parser.ResponseType {
	switch {
	case strings.HasSuffix(line, "SEND OK"):
		return parser.FinalOk
	case strings.HasSuffix(line, "SEND FAIL"):
		return parser.Final
	default:
		return parser.Unknown
	}
}

// Recv reads up to maxLen bytes from the socket's receive buffer. The
// "+CIPRXGET: 2,..." header is recognised as a raw-data header carrying
// the confirmed byte count, and the decoded payload follows it.
func (s *Socket) Recv(ctx context.Context, maxLen int) ([]byte, error) {
	s.g.SetCommandScanner(scanCIPRXGET)
	resp, err := s.g.Command(ctx, "+CIPRXGET=2,%d,%d", s.id, maxLen)
	if err != nil {
		return nil, err
	}
	idx := strings.IndexByte(resp, '\n')
	if idx < 0 {
		return nil, nil
	}
	return []byte(resp[idx+1:]), nil
}

func scanCIPRXGET(line string) parser.ResponseType {
	var sockID, reqLen, cnfLen int
	if n, _ := fmt.Sscanf(line, "+CIPRXGET: 2,%d,%d,%d", &sockID, &reqLen, &cnfLen); n == 3 {
		return parser.RawDataFollows(cnfLen)
	}
	return parser.Unknown
}

// Close closes the socket.
func (s *Socket) Close(ctx context.Context) error {
	_, err := s.g.Command(ctx, "+CIPCLOSE=%d", s.id)
	return err
}
