// Package client maintains the connection to the TeamSpeak client's
// ClientQuery plugin: it dials, performs the handshake, correlates command
// responses, routes notifications and reconnects on failure.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tessumod/extension/internal/cache"
	"github.com/tessumod/extension/internal/channel"
	"github.com/tessumod/extension/internal/dispatcher"
	"github.com/tessumod/extension/internal/logging"
	"github.com/tessumod/extension/internal/model"
	"github.com/tessumod/extension/internal/protocol"
	"github.com/tessumod/extension/internal/queue"
)

// lineTerminator separates ClientQuery lines in both directions.
const lineTerminator = "\n\r"

// DialFunc opens the TCP connection. Tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures the client connection.
type Options struct {
	Host              string
	Port              int
	RetryInterval     time.Duration
	KeepAliveInterval time.Duration
	EventBuffer       int
	Dial              DialFunc
}

func (o *Options) withDefaults() {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.Port == 0 {
		o.Port = 25639
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 10 * time.Second
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = time.Minute
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 256
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
}

// Response is a completed command: its data records and the closing status.
type Response struct {
	Records []*protocol.Record
	Status  *protocol.Status
}

// pendingCommand tracks a command awaiting its status line.
type pendingCommand struct {
	line    string
	records []*protocol.Record
	done    func(*Response)
}

// Client is the ClientQuery connection. Run owns the socket; the exported
// methods are safe to call from other goroutines.
type Client struct {
	opts         Options
	machine      *Machine
	participants *cache.ParticipantCache
	events       channel.Channel[model.Event]
	routes       *dispatcher.Dispatcher
	logger       zerolog.Logger
	traceLog     zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	pending *queue.Queue[*pendingCommand]
}

// New creates a client. Notification routing is wired up immediately;
// nothing touches the network until Run.
func New(opts Options) (*Client, error) {
	opts.withDefaults()
	c := &Client{
		opts:         opts,
		machine:      NewMachine(),
		participants: cache.NewParticipantCache(),
		events:       channel.New[model.Event](opts.EventBuffer),
		logger:       log.With().Str("component", "client").Logger(),
		pending:      queue.New[*pendingCommand](),
	}
	c.traceLog = logging.TraceSampler(c.logger)

	routes, err := dispatcher.New(logging.NewDispatcherLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("creating notification dispatcher: %w", err)
	}
	c.routes = routes
	c.registerNotificationHandlers()
	return c, nil
}

// Events returns the stream of domain events. The channel stays open for
// the client's lifetime; consumers stop via their own context.
func (c *Client) Events() channel.Receiver[model.Event] {
	return c.events
}

// Participants returns the live participant cache.
func (c *Client) Participants() *cache.ParticipantCache {
	return c.participants
}

// OwnClientID returns our client id on the voice server, or 0 before the
// handshake completes.
func (c *Client) OwnClientID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.OwnClientID
}

// Ready reports whether the handshake has completed.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State() == StateReady
}

// Send issues a command once the connection is ready. done may be nil; when
// set it is called from the run loop with the completed response, or with a
// nil status if the connection drops first.
func (c *Client) Send(cmd string, done func(*Response)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.machine.State() != StateReady {
		return fmt.Errorf("not connected")
	}
	c.pending.Push(&pendingCommand{line: cmd, done: done})
	return c.writeLocked(cmd)
}

// SetMetadata publishes our client metadata, which carries the game
// nickname tag for other bridge users.
func (c *Client) SetMetadata(metadata string) error {
	return c.Send(protocol.EncodeCommand("clientupdate",
		protocol.NewRecord().Set("client_meta_data", metadata)), nil)
}

// RequestUniqueID asks the voice client to resolve a client id to its
// unique identifier; the answer arrives as a notification.
func (c *Client) RequestUniqueID(clientID int) error {
	return c.Send(protocol.EncodeCommand("clientgetuidfromclid",
		protocol.NewRecord().Set("clid", clientID)), nil)
}

// Run connects and serves the connection until ctx is canceled, redialing
// after failures. The event channel is closed on return.
func (c *Client) Run(ctx context.Context) error {
	// The event channel is deliberately left open: the buffered talk status
	// handler may still emit after the run loop exits.
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).
			Dur("retryIn", c.opts.RetryInterval).
			Msg("connection lost, will reconnect")
		c.events.Send(model.Event{Kind: model.EventDisconnected})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
	c.machine.Connecting()

	conn, err := c.opts.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer c.teardown(conn)

	c.mu.Lock()
	c.conn = conn
	c.machine.Connected()
	c.mu.Unlock()

	c.logger.Info().Str("addr", addr).Msg("connected to voice client")
	c.events.Send(model.Event{Kind: model.EventConnected})

	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	defer close(readDone)
	go readLines(conn, lines, readErr, readDone)

	keepAlive := time.NewTicker(c.opts.KeepAliveInterval)
	defer keepAlive.Stop()

	identityRetry := time.NewTimer(0)
	if !identityRetry.Stop() {
		<-identityRetry.C
	}
	defer identityRetry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return err

		case line := <-lines:
			if err := c.handleLine(line, identityRetry); err != nil {
				return err
			}

		case <-keepAlive.C:
			c.mu.Lock()
			var err error
			if c.machine.State() == StateReady {
				err = c.writeRawLocked("")
			}
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("keep-alive: %w", err)
			}

		case <-identityRetry.C:
			c.mu.Lock()
			action, err := c.machine.RetryIdentity()
			if err == nil {
				err = c.sendAllLocked(action.Send)
			}
			c.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleLine(line string, identityRetry *time.Timer) error {
	c.traceLog.Trace().Str("line", line).Msg("received")

	c.mu.Lock()
	ready := c.machine.State() == StateReady
	c.mu.Unlock()

	if !ready {
		return c.handleHandshakeLine(line, identityRetry)
	}

	if strings.HasPrefix(line, "notify") {
		c.handleNotification(line)
		return nil
	}

	if status, ok := protocol.ParseStatus(line); ok {
		c.mu.Lock()
		cmd := c.pending.Pop()
		c.mu.Unlock()
		if cmd == nil {
			c.logger.Debug().Str("line", line).Msg("status line with no pending command")
			return nil
		}
		if err := status.Err(); err != nil {
			c.logger.Warn().Err(err).Str("command", cmd.line).Msg("command failed")
		}
		if cmd.done != nil {
			cmd.done(&Response{Records: cmd.records, Status: status})
		}
		return nil
	}

	// Data line belonging to the oldest in-flight command.
	records, err := protocol.ParseArguments(line)
	if err != nil {
		c.logger.Warn().Err(err).Str("line", line).Msg("discarding malformed line")
		return nil
	}
	c.mu.Lock()
	if cmd, ok := c.pending.Peek(); ok {
		cmd.records = append(cmd.records, records...)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) handleHandshakeLine(line string, identityRetry *time.Timer) error {
	c.mu.Lock()
	action, err := c.machine.Step(line)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if action.Ready {
		// Post-handshake commands go through the pending queue so their
		// responses are correlated like any other command.
		for _, cmd := range action.Send {
			c.pending.Push(&pendingCommand{line: cmd, done: c.seedParticipants})
			if err := c.writeLocked(cmd); err != nil {
				c.mu.Unlock()
				return err
			}
		}
		ownID := c.machine.OwnClientID
		c.mu.Unlock()

		c.logger.Info().Int("clientID", ownID).Msg("handshake complete")
		c.events.Send(model.Event{Kind: model.EventReady})
		return nil
	}

	err = c.sendAllLocked(action.Send)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if action.RetryIdentity {
		c.logger.Info().
			Dur("retryIn", c.opts.RetryInterval).
			Msg("no voice server connection yet, retrying identity query")
		identityRetry.Reset(c.opts.RetryInterval)
	}
	return nil
}

// seedParticipants fills the cache from the initial client listing.
func (c *Client) seedParticipants(resp *Response) {
	if resp == nil || resp.Status == nil || !resp.Status.OK() {
		return
	}
	for _, rec := range resp.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		p := model.Participant{ClientID: clid}
		p.Nick, _ = rec.Get("client_nickname")
		p.UniqueID, _ = rec.Get("client_unique_identifier")
		if cid, err := rec.Int("cid"); err == nil {
			p.ChannelID = cid
		}
		c.participants.AddParticipant(p)
		c.emit(model.EventClientJoined, p)
	}
}

func (c *Client) teardown(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.machine.Reset()
	abandoned := c.pending.GetAndEmpty()
	c.mu.Unlock()

	for _, cmd := range abandoned {
		if cmd.done != nil {
			cmd.done(nil)
		}
	}
	c.participants.Reset()
}

func (c *Client) sendAllLocked(cmds []string) error {
	for _, cmd := range cmds {
		if err := c.writeLocked(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeLocked(cmd string) error {
	c.logger.Debug().Str("command", cmd).Msg("sending")
	return c.writeRawLocked(cmd)
}

func (c *Client) writeRawLocked(data string) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	_, err := c.conn.Write([]byte(data + lineTerminator))
	return err
}

// readLines pumps terminator-separated lines from the socket. Empty lines
// are keep-alive noise and are dropped. Closing done releases the goroutine
// even when it is blocked handing off a line.
func readLines(conn net.Conn, lines chan<- string, readErr chan<- error, done <-chan struct{}) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitClientQueryLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		readErr <- err
		return
	}
	readErr <- fmt.Errorf("connection closed by peer")
}

func splitClientQueryLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte(lineTerminator)); i >= 0 {
		return i + len(lineTerminator), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
