package client

import (
	"strings"
	"time"

	"github.com/tessumod/extension/internal/dispatcher"
	"github.com/tessumod/extension/internal/model"
	"github.com/tessumod/extension/internal/protocol"
)

// handleNotification parses a pushed event line and routes it.
func (c *Client) handleNotification(line string) {
	name, payload, _ := strings.Cut(line, " ")
	records, err := protocol.ParseArguments(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("line", line).Msg("discarding malformed notification")
		return
	}
	if !c.routes.HasHandler(name) {
		c.logger.Debug().Str("notification", name).Msg("unhandled notification")
		return
	}
	if _, err := c.routes.Dispatch(dispatcher.Notification{
		Name:      name,
		Records:   records,
		Timestamp: time.Now(),
	}); err != nil {
		c.logger.Warn().Err(err).Str("notification", name).Msg("notification handler failed")
	}
}

func (c *Client) registerNotificationHandlers() {
	// Talk status fires far more often than the rest; buffer it so a slow
	// consumer cannot stall the read loop. Blocking, because a lost talk-stop
	// transition would leave a participant speaking forever.
	c.routes.Register("notifytalkstatuschange", c.onTalkStatusChange,
		dispatcher.Buffered(64), dispatcher.Blocking())
	c.routes.Register("notifycliententerview", c.onClientEnterView, dispatcher.Logged())
	c.routes.Register("notifyclientleftview", c.onClientLeftView, dispatcher.Logged())
	c.routes.Register("notifyclientupdated", c.onClientUpdated, dispatcher.Logged())
	c.routes.Register("notifyclientmoved", c.onClientMoved, dispatcher.Logged())
	c.routes.Register("notifyclientuidfromclid", c.onClientUIDResolved, dispatcher.Logged())
}

func (c *Client) onTalkStatusChange(n dispatcher.Notification) (any, error) {
	for _, rec := range n.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		speaking, err := rec.Bool("status")
		if err != nil {
			continue
		}
		// This handler runs async; a talk status for an unknown client (for
		// example one that just left) must not re-create it.
		p, ok := c.participants.GetParticipant(clid)
		if !ok {
			continue
		}
		p.Speaking = speaking
		c.participants.AddParticipant(p)
		c.emit(model.EventTalkStatus, p)
	}
	return nil, nil
}

func (c *Client) onClientEnterView(n dispatcher.Notification) (any, error) {
	for _, rec := range n.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		p := model.Participant{ClientID: clid}
		p.Nick, _ = rec.Get("client_nickname")
		p.UniqueID, _ = rec.Get("client_unique_identifier")
		p.Metadata, _ = rec.Get("client_meta_data")
		if cid, err := rec.Int("ctid"); err == nil {
			p.ChannelID = cid
		}
		c.participants.AddParticipant(p)
		c.emit(model.EventClientJoined, p)
	}
	return nil, nil
}

func (c *Client) onClientLeftView(n dispatcher.Notification) (any, error) {
	for _, rec := range n.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		p, _ := c.participants.GetParticipant(clid)
		p.ClientID = clid
		c.participants.RemoveParticipant(clid)
		c.emit(model.EventClientLeft, p)
	}
	return nil, nil
}

func (c *Client) onClientUpdated(n dispatcher.Notification) (any, error) {
	for _, rec := range n.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		p, ok := c.participants.GetParticipant(clid)
		if !ok {
			p = model.Participant{ClientID: clid}
		}
		if nick, ok := rec.Get("client_nickname"); ok {
			p.Nick = nick
		}
		if meta, ok := rec.Get("client_meta_data"); ok {
			p.Metadata = meta
		}
		c.participants.AddParticipant(p)
		c.emit(model.EventClientUpdated, p)
	}
	return nil, nil
}

func (c *Client) onClientMoved(n dispatcher.Notification) (any, error) {
	for _, rec := range n.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		p, ok := c.participants.GetParticipant(clid)
		if !ok {
			p = model.Participant{ClientID: clid}
		}
		if cid, err := rec.Int("ctid"); err == nil {
			p.ChannelID = cid
		}
		c.participants.AddParticipant(p)
		c.emit(model.EventClientMoved, p)
	}
	return nil, nil
}

func (c *Client) onClientUIDResolved(n dispatcher.Notification) (any, error) {
	for _, rec := range n.Records {
		clid, err := rec.Int("clid")
		if err != nil {
			continue
		}
		uid, ok := rec.Get("cluid")
		if !ok {
			continue
		}
		p, ok := c.participants.GetParticipant(clid)
		if !ok {
			p = model.Participant{ClientID: clid}
		}
		p.UniqueID = uid
		if nick, ok := rec.Get("nickname"); ok && p.Nick == "" {
			p.Nick = nick
		}
		c.participants.AddParticipant(p)
		c.emit(model.EventUniqueIDResolved, p)
	}
	return nil, nil
}

func (c *Client) emit(kind model.EventKind, p model.Participant) {
	c.events.Send(model.Event{
		Kind:        kind,
		Participant: p,
		IsSelf:      p.ClientID == c.OwnClientID(),
	})
}
