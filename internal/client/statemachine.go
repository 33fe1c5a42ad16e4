package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tessumod/extension/internal/protocol"
)

// State of the ClientQuery handshake.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSelectingHandler
	StateRegisteringNotifications
	StateQueryingIdentity
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSelectingHandler:
		return "selecting_handler"
	case StateRegisteringNotifications:
		return "registering_notifications"
	case StateQueryingIdentity:
		return "querying_identity"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ErrNotClientQuery is returned when the peer does not greet like the
// TeamSpeak ClientQuery plugin.
var ErrNotClientQuery = errors.New("peer is not a ClientQuery endpoint")

// notificationEvents are registered during the handshake; the voice client
// pushes these for the selected server connection handler.
var notificationEvents = []string{
	"notifytalkstatuschange",
	"notifycliententerview",
	"notifyclientleftview",
	"notifyclientupdated",
	"notifyclientmoved",
	"notifyclientuidfromclid",
}

// Action tells the connection what to do after feeding a line to the
// machine: commands to send, whether the handshake completed, and whether
// the identity query should be retried later.
type Action struct {
	Send          []string
	Ready         bool
	RetryIdentity bool
}

// Machine drives the handshake from TCP connect to ready. It is pure line
// processing: the connection owns the socket, timers and retries.
type Machine struct {
	state        State
	acksPending  int
	SchandlerID  int
	OwnClientID  int
	OwnChannelID int
}

func NewMachine() *Machine {
	return &Machine{state: StateDisconnected}
}

// State returns the current handshake state.
func (m *Machine) State() State {
	return m.state
}

// Connecting marks the TCP dial in progress.
func (m *Machine) Connecting() {
	m.state = StateConnecting
}

// Reset returns the machine to the disconnected state.
func (m *Machine) Reset() {
	*m = Machine{state: StateDisconnected}
}

// Connected marks the socket established. The machine now expects the
// ClientQuery greeting before anything is sent.
func (m *Machine) Connected() {
	m.state = StateConnecting
}

// RetryIdentity re-issues the identity query after a recoverable failure.
func (m *Machine) RetryIdentity() (Action, error) {
	if m.state != StateQueryingIdentity {
		return Action{}, fmt.Errorf("identity retry in state %s", m.state)
	}
	return Action{Send: []string{"whoami"}}, nil
}

// Step feeds one received line to the machine.
func (m *Machine) Step(line string) (Action, error) {
	switch m.state {
	case StateConnecting:
		return m.stepGreeting(line)
	case StateSelectingHandler:
		return m.stepSelectingHandler(line)
	case StateRegisteringNotifications:
		return m.stepRegistering(line)
	case StateQueryingIdentity:
		return m.stepQueryingIdentity(line)
	case StateReady:
		return Action{}, nil
	default:
		return Action{}, fmt.Errorf("received line in state %s", m.state)
	}
}

// stepGreeting sniffs the banner. The first line must identify the TS3
// client; anything else means something other than ClientQuery answered.
// The remaining welcome text needs no waiting, so the handler query goes
// out immediately.
func (m *Machine) stepGreeting(line string) (Action, error) {
	if !strings.Contains(strings.ToLower(line), "ts3 client") {
		return Action{}, ErrNotClientQuery
	}
	m.state = StateSelectingHandler
	return Action{Send: []string{"currentschandlerid"}}, nil
}

func (m *Machine) stepSelectingHandler(line string) (Action, error) {
	if status, ok := protocol.ParseStatus(line); ok {
		if err := status.Err(); err != nil {
			return Action{}, fmt.Errorf("selecting server connection handler: %w", err)
		}
		m.state = StateRegisteringNotifications
		send := []string{fmt.Sprintf("use schandlerid=%d", m.SchandlerID)}
		for _, event := range notificationEvents {
			send = append(send, fmt.Sprintf("clientnotifyregister schandlerid=%d event=%s", m.SchandlerID, event))
		}
		m.acksPending = len(send)
		return Action{Send: send}, nil
	}

	records, err := protocol.ParseArguments(strings.TrimPrefix(line, "selected "))
	if err != nil || len(records) == 0 {
		return Action{}, nil
	}
	if id, err := records[0].Int("schandlerid"); err == nil {
		m.SchandlerID = id
	}
	return Action{}, nil
}

func (m *Machine) stepRegistering(line string) (Action, error) {
	status, ok := protocol.ParseStatus(line)
	if !ok {
		// Notifications may already arrive; ignored until ready.
		return Action{}, nil
	}
	if err := status.Err(); err != nil {
		return Action{}, fmt.Errorf("registering notifications: %w", err)
	}
	m.acksPending--
	if m.acksPending > 0 {
		return Action{}, nil
	}
	m.state = StateQueryingIdentity
	return Action{Send: []string{"whoami"}}, nil
}

func (m *Machine) stepQueryingIdentity(line string) (Action, error) {
	// Notifications are already registered at this point and can interleave
	// with the whoami reply; they are not part of the handshake.
	if strings.HasPrefix(line, "notify") {
		return Action{}, nil
	}
	if status, ok := protocol.ParseStatus(line); ok {
		if status.OK() {
			m.state = StateReady
			return Action{Ready: true, Send: []string{"clientlist -uid"}}, nil
		}
		if status.Recoverable() {
			// No server connection yet; try again after a delay.
			return Action{RetryIdentity: true}, nil
		}
		return Action{}, fmt.Errorf("querying own identity: %w", status.Err())
	}

	records, err := protocol.ParseArguments(line)
	if err != nil || len(records) == 0 {
		return Action{}, nil
	}
	if id, err := records[0].Int("clid"); err == nil {
		m.OwnClientID = id
	}
	if cid, err := records[0].Int("cid"); err == nil {
		m.OwnChannelID = cid
	}
	return Action{}, nil
}
