package client

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessumod/extension/internal/model"
)

// fakePeer scripts the voice client side of a net.Pipe connection.
type fakePeer struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newFakePeer(conn net.Conn) *fakePeer {
	scanner := bufio.NewScanner(conn)
	scanner.Split(splitClientQueryLines)
	return &fakePeer{conn: conn, scanner: scanner}
}

func (p *fakePeer) writeLine(line string) {
	p.conn.Write([]byte(line + lineTerminator))
}

func (p *fakePeer) readLine() (string, bool) {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" {
			continue
		}
		return line, true
	}
	return "", false
}

// serveHandshake walks the peer through greeting, registration and the
// identity query, then answers the client listing.
func (p *fakePeer) serveHandshake(t *testing.T, whoamiFailures int) {
	t.Helper()

	p.writeLine("TS3 Client")
	p.writeLine("Welcome to the TeamSpeak 3 ClientQuery interface.")
	p.writeLine("selected schandlerid=1")

	for {
		line, ok := p.readLine()
		if !ok {
			return
		}
		switch {
		case line == "currentschandlerid":
			p.writeLine("schandlerid=1")
			p.writeLine("error id=0 msg=ok")

		case strings.HasPrefix(line, "use "),
			strings.HasPrefix(line, "clientnotifyregister "):
			p.writeLine("error id=0 msg=ok")

		case line == "whoami":
			if whoamiFailures > 0 {
				whoamiFailures--
				p.writeLine(`error id=1794 msg=not\sconnected`)
				continue
			}
			p.writeLine("clid=42 cid=7")
			p.writeLine("error id=0 msg=ok")

		case line == "clientlist -uid":
			p.writeLine(`clid=42 client_nickname=Me client_unique_identifier=uid-me|clid=5 client_nickname=Other client_unique_identifier=uid-other`)
			p.writeLine("error id=0 msg=ok")
			return

		default:
			t.Errorf("unexpected command from client: %q", line)
			return
		}
	}
}

func startClient(t *testing.T, whoamiFailures int) (*Client, *fakePeer, context.CancelFunc) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	peer := newFakePeer(serverSide)

	c, err := New(Options{
		RetryInterval: 50 * time.Millisecond,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return clientSide, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	go peer.serveHandshake(t, whoamiFailures)

	return c, peer, func() {
		cancel()
		serverSide.Close()
	}
}

func waitForEvent(t *testing.T, c *Client, kind model.EventKind) model.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events().Receive():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestClient_HandshakeAndSeeding(t *testing.T) {
	c, _, stop := startClient(t, 0)
	defer stop()

	waitForEvent(t, c, model.EventConnected)
	waitForEvent(t, c, model.EventReady)

	// Seeding from clientlist produces join events for every listed client.
	first := waitForEvent(t, c, model.EventClientJoined)
	second := waitForEvent(t, c, model.EventClientJoined)

	assert.Equal(t, 42, c.OwnClientID())
	assert.True(t, c.Ready())

	self, other := first, second
	if !first.IsSelf {
		self, other = second, first
	}
	assert.True(t, self.IsSelf)
	assert.Equal(t, "Me", self.Participant.Nick)
	assert.Equal(t, "uid-other", other.Participant.UniqueID)

	p, ok := c.Participants().GetParticipant(5)
	require.True(t, ok)
	assert.Equal(t, "Other", p.Nick)
}

func TestClient_IdentityRetry(t *testing.T) {
	c, _, stop := startClient(t, 1)
	defer stop()

	waitForEvent(t, c, model.EventReady)
	assert.Equal(t, 42, c.OwnClientID())
}

func TestClient_TalkStatusNotification(t *testing.T) {
	c, peer, stop := startClient(t, 0)
	defer stop()

	waitForEvent(t, c, model.EventReady)
	waitForEvent(t, c, model.EventClientJoined)
	waitForEvent(t, c, model.EventClientJoined)

	peer.writeLine("notifytalkstatuschange schandlerid=1 status=1 isreceivedwhisper=0 clid=5")

	ev := waitForEvent(t, c, model.EventTalkStatus)
	assert.Equal(t, 5, ev.Participant.ClientID)
	assert.True(t, ev.Participant.Speaking)
	assert.False(t, ev.IsSelf)

	p, ok := c.Participants().GetParticipant(5)
	require.True(t, ok)
	assert.True(t, p.Speaking)
}

func TestClient_ClientLifecycleNotifications(t *testing.T) {
	c, peer, stop := startClient(t, 0)
	defer stop()

	waitForEvent(t, c, model.EventReady)
	waitForEvent(t, c, model.EventClientJoined)
	waitForEvent(t, c, model.EventClientJoined)

	peer.writeLine(`notifycliententerview ctid=7 clid=9 client_nickname=Newcomer client_unique_identifier=uid-new`)
	ev := waitForEvent(t, c, model.EventClientJoined)
	assert.Equal(t, "Newcomer", ev.Participant.Nick)
	assert.Equal(t, 7, ev.Participant.ChannelID)

	peer.writeLine(`notifyclientupdated clid=9 client_nickname=Renamed`)
	ev = waitForEvent(t, c, model.EventClientUpdated)
	assert.Equal(t, "Renamed", ev.Participant.Nick)
	assert.Equal(t, "uid-new", ev.Participant.UniqueID)

	peer.writeLine(`notifyclientmoved ctid=3 clid=9`)
	ev = waitForEvent(t, c, model.EventClientMoved)
	assert.Equal(t, 3, ev.Participant.ChannelID)

	peer.writeLine(`notifyclientleftview clid=9`)
	ev = waitForEvent(t, c, model.EventClientLeft)
	assert.Equal(t, 9, ev.Participant.ClientID)

	_, ok := c.Participants().GetParticipant(9)
	assert.False(t, ok)
}

func TestClient_UniqueIDResolution(t *testing.T) {
	c, peer, stop := startClient(t, 0)
	defer stop()

	waitForEvent(t, c, model.EventReady)
	waitForEvent(t, c, model.EventClientJoined)
	waitForEvent(t, c, model.EventClientJoined)

	peer.writeLine(`notifyclientuidfromclid schandlerid=1 clid=5 cluid=resolved-uid nickname=Other`)
	ev := waitForEvent(t, c, model.EventUniqueIDResolved)
	assert.Equal(t, "resolved-uid", ev.Participant.UniqueID)
}

func TestClient_SendBeforeReady(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	err = c.Send("whoami", nil)
	assert.Error(t, err)
}

func TestClient_NoKeepAliveBeforeReady(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	peer := newFakePeer(serverSide)

	c, err := New(Options{
		KeepAliveInterval: 10 * time.Millisecond,
		RetryInterval:     time.Hour,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return clientSide, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	peer.writeLine("TS3 Client")
	line, ok := peer.readLine()
	require.True(t, ok)
	require.Equal(t, "currentschandlerid", line)

	// Leave the handler query unanswered so the handshake stalls; several
	// keep-alive intervals pass but nothing may be written before Ready.
	serverSide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	n, _ := serverSide.Read(buf)
	assert.Zero(t, n, "client wrote %q while the handshake was stalled", buf[:n])
	serverSide.Close()
}

func TestReadLines_StopsWhenDone(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	lines := make(chan string) // never consumed
	readErr := make(chan error, 1)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		readLines(clientSide, lines, readErr, done)
		close(finished)
	}()

	// The reader accepts the line and blocks handing it off.
	_, err := serverSide.Write([]byte("notifyclientmoved clid=1" + lineTerminator))
	require.NoError(t, err)

	close(done)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine did not stop after done was closed")
	}
}

func TestClient_NonClientQueryPeerDisconnects(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	peer := newFakePeer(serverSide)

	dials := make(chan struct{}, 2)
	c, err := New(Options{
		RetryInterval: time.Hour,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			dials <- struct{}{}
			return clientSide, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	<-dials
	peer.writeLine("220 smtp.example.com ESMTP ready")

	waitForEvent(t, c, model.EventDisconnected)
	serverSide.Close()
}
