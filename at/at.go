// Package at provides a low level driver for AT modems.
//
// A Channel serializes command/response exchanges over a shared
// io.ReadWriter, using a single internal goroutine to both feed received
// bytes to the stream parser and track the command currently outstanding.
// The Channel closes the channel returned by Closed when the connection to
// the underlying modem is broken (Read returns an error). Once closed, all
// outstanding and future commands return ErrClosed and the Channel cannot be
// reopened - it must be recreated.
package at

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/atcore-go/modem/parser"
)

// ScanLineFunc classifies one completed line; returning parser.Unknown
// defers to the generic classifier. See package parser for the type this
// aliases.
type ScanLineFunc = parser.ScanLineFunc

// CharacterHandlerFunc is a per-byte transform applied while a line is being
// assembled. See package parser for the type this aliases.
type CharacterHandlerFunc = parser.CharacterHandlerFunc

// URCFunc is invoked for every unsolicited line the modem sends outside of
// a command/response exchange.
type URCFunc func(line string)

// DefaultTimeout is the response timeout used when no per-command timeout
// has been set via SetTimeout.
const DefaultTimeout = 10 * time.Second

// DefaultWriteGuard is the minimum gap enforced between a write and any
// write that follows it, giving the modem time to settle after commands
// such as the escape sequence issued by Init.
const DefaultWriteGuard = 20 * time.Millisecond

// Option configures a Channel at construction.
type Option func(*Channel)

// WithTimeout sets the default response timeout (DefaultTimeout if unset).
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) { c.timeout = d }
}

// WithWriteGuard sets the minimum gap enforced between consecutive writes.
func WithWriteGuard(d time.Duration) Option {
	return func(c *Channel) { c.writeGuardDur = d }
}

// WithBufferSize overrides the parser's response buffer capacity.
func WithBufferSize(size int) Option {
	return func(c *Channel) { c.parserOpts = append(c.parserOpts, parser.WithBufferSize(size)) }
}

// WithURCPrefixes overrides the generic URC-prefix table consulted by the
// parser when no driver scanner (or an Unknown-returning one) applies.
func WithURCPrefixes(prefixes ...string) Option {
	return func(c *Channel) { c.parserOpts = append(c.parserOpts, parser.WithURCPrefixes(prefixes...)) }
}

// modemRW is the subset of io.ReadWriter a Channel depends on.
type modemRW interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Channel represents a modem that can be managed using AT commands.
type Channel struct {
	modem modemRW
	p     *parser.Parser

	ctrl   chan func()
	rxData chan []byte
	rxErr  chan error
	closed chan struct{}

	cmdMu sync.Mutex // serializes Command/CommandRaw round trips from outside callers

	timeout        time.Duration
	oneShotTimeout time.Duration

	driverScanner      ScanLineFunc
	oneShotScanner     ScanLineFunc
	oneShotCharHandler CharacterHandlerFunc
	driverURC          URCFunc

	writeGuardDur time.Duration
	guarded       bool
	wGuard        <-chan time.Time

	parserOpts []parser.Option

	// pending is touched only by the loop goroutine: every ctrl closure
	// runs synchronously inside loop, and the timeout/cancellation cases
	// below run there directly, so no lock is needed.
	pending *pendingCmd
}

type pendingCmd struct {
	done  chan result
	ctx   context.Context
	timer *time.Timer
}

type result struct {
	body string
	err  error
}

// New creates a Channel driving modem.
func New(modem modemRW, opts ...Option) *Channel {
	c := &Channel{
		modem:         modem,
		ctrl:          make(chan func()),
		rxData:        make(chan []byte),
		rxErr:         make(chan error, 1),
		closed:        make(chan struct{}),
		timeout:       DefaultTimeout,
		writeGuardDur: DefaultWriteGuard,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.p = parser.New(c.handleURC, c.handleResponse, c.parserOpts...)
	go c.reader()
	go c.loop()
	return c
}

// Closed returns a channel which is closed once the modem connection is
// lost and no further commands can be issued.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// Command issues "AT"+fmt.Sprintf(format, args...)+"\r\n" to the modem and
// waits for the response. The returned string is the accumulated response
// body (info lines plus, on failure, the final error line), exactly as
// received, newline-joined.
func (c *Channel) Command(ctx context.Context, format string, args ...interface{}) (string, error) {
	cmd := fmt.Sprintf(format, args...)
	return c.run(ctx, func() error {
		_, err := c.modem.Write([]byte("AT" + cmd + "\r\n"))
		return err
	})
}

// CommandRaw writes data verbatim (no "AT" prefix, no added terminator) and
// waits for the response. It is used to complete a command whose opening
// line was already sent via Send/SendHex, or whose payload follows a
// dataprompt armed with ExpectDataPrompt.
func (c *Channel) CommandRaw(ctx context.Context, data []byte) (string, error) {
	return c.run(ctx, func() error {
		_, err := c.modem.Write(data)
		return err
	})
}

// Send writes "AT"+fmt.Sprintf(format, args...) to the modem with no
// terminator and does not wait for a response. It is used to build up a
// command line in pieces, the last of which is issued via CommandRaw, which,
// unlike Command, adds no "AT" prefix of its own.
func (c *Channel) Send(format string, args ...interface{}) error {
	return c.fireAndForget(func() error {
		_, err := c.modem.Write([]byte("AT" + fmt.Sprintf(format, args...)))
		return err
	})
}

// SendHex writes the hex-ASCII encoding of data to the modem with no
// terminator and does not wait for a response.
func (c *Channel) SendHex(data []byte) error {
	return c.fireAndForget(func() error {
		_, err := c.modem.Write([]byte(encodeHex(data)))
		return err
	})
}

// SetTimeout overrides the response timeout for the next Command or
// CommandRaw only.
func (c *Channel) SetTimeout(d time.Duration) {
	c.post(func() { c.oneShotTimeout = d })
}

// SetCallbacks installs the long-lived driver scanner and URC handler, used
// for every command until replaced.
func (c *Channel) SetCallbacks(scanner ScanLineFunc, onURC URCFunc) {
	c.post(func() {
		c.driverScanner = scanner
		c.driverURC = onURC
	})
}

// SetCommandScanner overrides the line classifier for the next Command or
// CommandRaw only, reverting to the driver scanner afterwards.
func (c *Channel) SetCommandScanner(fn ScanLineFunc) {
	c.post(func() { c.oneShotScanner = fn })
}

// SetCharacterHandler installs the per-byte transform for the next Command
// or CommandRaw only.
func (c *Channel) SetCharacterHandler(fn CharacterHandlerFunc) {
	c.post(func() { c.oneShotCharHandler = fn })
}

// ExpectDataPrompt arms dataprompt mode for the next Command or CommandRaw:
// instead of waiting for a final status line, the parser treats an exact,
// unterminated match of prompt as success.
func (c *Channel) ExpectDataPrompt(prompt string) {
	c.post(func() { c.p.ExpectDataPrompt(prompt) })
}

// WriteFromURC writes data directly to the modem under the write guard. It
// must only be called synchronously from within a URCFunc, ScanLineFunc or
// CharacterHandlerFunc registered on this Channel: those callbacks run on
// the engine goroutine itself while it is inside Feed, so routing the write
// through the normal ctrl handoff used by Send/SendHex/Command would
// deadlock against that same goroutine.
func (c *Channel) WriteFromURC(data []byte) error {
	return c.guardedWrite(func() error {
		_, err := c.modem.Write(data)
		return err
	})
}

// Init initialises the modem by escaping any outstanding SMS command and
// resetting the modem to factory defaults. Init is intended to be called
// after creation and before any other command is issued.
func (c *Channel) Init(ctx context.Context) error {
	if err := c.fireAndForget(func() error {
		_, err := c.modem.Write([]byte(string(rune(27)) + "\r\n\r\n"))
		return err
	}); err != nil {
		return err
	}

	cmds := []string{
		"Z",       // reset to factory defaults (also clears the escape from the rx buffer)
		"^CURC=0", // disable general indications ^XXXX
	}
	for _, cmd := range cmds {
		if _, err := c.Command(ctx, cmd); err != nil {
			switch err {
			case context.DeadlineExceeded, context.Canceled:
				return err
			default:
				return errors.WithMessage(err, fmt.Sprintf("AT%s returned error", cmd))
			}
		}
	}
	return nil
}

// post sends fn to the engine loop and waits for it to be accepted, but not
// for fn to return a result - used for the fire-and-forget setters above.
func (c *Channel) post(fn func()) {
	select {
	case <-c.closed:
	case c.ctrl <- fn:
	}
}

// fireAndForget runs write on the engine loop, under the write guard, and
// returns its error without waiting on any response.
func (c *Channel) fireAndForget(write func() error) error {
	errCh := make(chan error, 1)
	select {
	case <-c.closed:
		return ErrClosed
	case c.ctrl <- func() {
		errCh <- c.guardedWrite(write)
	}:
	}
	return <-errCh
}

// run arms the parser for a response, performs the write under the write
// guard, and waits for the command to complete, time out, or be cancelled.
func (c *Channel) run(ctx context.Context, write func() error) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}

	done := make(chan result, 1)
	armErr := make(chan error, 1)
	select {
	case <-c.closed:
		return "", ErrClosed
	case c.ctrl <- func() {
		scanner := c.oneShotScanner
		if scanner == nil {
			scanner = c.driverScanner
		}
		c.oneShotScanner = nil
		c.p.SetScanner(scanner)
		c.p.SetCharacterHandler(c.oneShotCharHandler)
		c.oneShotCharHandler = nil
		c.p.AwaitResponse()

		if err := c.guardedWrite(write); err != nil {
			c.p.Reset()
			armErr <- err
			return
		}

		d := c.oneShotTimeout
		if d == 0 {
			d = c.timeout
		}
		c.oneShotTimeout = 0
		var timer *time.Timer
		if d > 0 {
			timer = time.NewTimer(d)
		}
		c.pending = &pendingCmd{done: done, ctx: ctx, timer: timer}
	}:
	}

	select {
	case err := <-armErr:
		return "", err
	case res := <-done:
		return res.body, res.err
	}
}

// guardedWrite performs write, enforcing the write guard before and
// starting a new one after. Only ever called from the engine loop.
func (c *Channel) guardedWrite(write func() error) error {
	if c.guarded {
		<-c.wGuard
		c.guarded = false
	}
	err := write()
	if err == nil && c.writeGuardDur > 0 {
		c.guarded = true
		c.wGuard = time.After(c.writeGuardDur)
	}
	return err
}

// loop is the single goroutine that owns the parser: it feeds received
// bytes to it and tracks whatever command is currently outstanding. Merging
// what would otherwise be a command loop and a receive loop into one
// avoids any handoff between goroutines for parser access.
func (c *Channel) loop() {
	for {
		var timeoutC <-chan time.Time
		var ctxDone <-chan struct{}
		if c.pending != nil {
			if c.pending.timer != nil {
				timeoutC = c.pending.timer.C
			}
			ctxDone = c.pending.ctx.Done()
		}
		select {
		case fn := <-c.ctrl:
			fn()
		case data := <-c.rxData:
			c.p.Feed(data)
		case <-c.rxErr:
			c.failPending(ErrClosed)
			close(c.closed)
			return
		case <-timeoutC:
			c.failPending(ErrTimeout)
			c.p.Reset()
		case <-ctxDone:
			c.failPending(c.pending.ctx.Err())
			c.p.Reset()
		}
	}
}

// failPending resolves the outstanding command, if any, with err.
func (c *Channel) failPending(err error) {
	if c.pending == nil {
		return
	}
	p := c.pending
	c.pending = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- result{err: err}
}

// handleResponse is wired into the parser at construction; it runs on the
// engine goroutine, synchronously within Feed.
func (c *Channel) handleResponse(body []byte, ok bool) {
	if c.pending == nil {
		return
	}
	p := c.pending
	c.pending = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	res := result{body: string(body)}
	if !ok {
		res.err = newError(lastLine(body))
	}
	p.done <- res
}

// handleURC is wired into the parser at construction; it runs on the
// engine goroutine, synchronously within Feed.
func (c *Channel) handleURC(line string) {
	if c.driverURC != nil {
		c.driverURC(line)
	}
}

// reader pumps raw bytes from the modem to the engine loop until Read
// returns an error, at which point the Channel is torn down.
func (c *Channel) reader() {
	buf := make([]byte, 512)
	for {
		n, err := c.modem.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.rxData <- chunk:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			select {
			case c.rxErr <- err:
			case <-c.closed:
			}
			return
		}
	}
}

func lastLine(body []byte) string {
	s := string(body)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func encodeHex(data []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}

// CMEError indicates a CME Error was returned by the modem. The value is
// the error value, in string form, which may be numeric or textual
// depending on modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem. The value is
// the error value, in string form, which may be numeric or textual
// depending on modem configuration.
type CMSError string

func (e CMEError) Error() string { return "CME Error: " + string(e) }
func (e CMSError) Error() string { return "CMS Error: " + string(e) }

var (
	// ErrClosed indicates an operation cannot be performed as the Channel
	// has been closed.
	ErrClosed = errors.New("closed")
	// ErrTimeout indicates a command was not completed within its timeout.
	ErrTimeout = errors.New("timeout")
	// ErrError indicates the modem returned a generic AT ERROR.
	ErrError = errors.New("ERROR")
)

// newError parses the final line of a failed response into an error.
func newError(line string) error {
	switch {
	case strings.HasPrefix(line, "+CME ERROR:"):
		return CMEError(strings.TrimSpace(line[len("+CME ERROR:"):]))
	case strings.HasPrefix(line, "+CMS ERROR:"):
		return CMSError(strings.TrimSpace(line[len("+CMS ERROR:"):]))
	default:
		return ErrError
	}
}
