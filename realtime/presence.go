package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/risa-org/ripple/protocol"
)

// PresenceMessage is one member's presence on a channel as seen by this
// client.
type PresenceMessage struct {
	Action    protocol.PresenceAction
	ClientID  string
	Data      []byte
	Timestamp time.Time
}

// Presence tracks and manipulates the member set of one channel. It rides
// the channel's attachment lifecycle: enter/leave envelopes are gated and
// queued exactly like publishes, and every operation rejects immediately
// once the channel has failed.
type Presence struct {
	ch *Channel

	// members is keyed by client id and owned by the loop
	members map[string]*PresenceMessage

	subsMu  sync.Mutex
	subs    map[int]func(*PresenceMessage)
	nextSub int
}

func newPresence(ch *Channel) *Presence {
	return &Presence{
		ch:      ch,
		members: make(map[string]*PresenceMessage),
		subs:    make(map[int]func(*PresenceMessage)),
	}
}

// Enter announces this client as present on the channel, with optional
// per-member data. The result settles when the server acknowledges.
func (p *Presence) Enter(data []byte) *Result {
	return p.send(protocol.PresenceEnter, data)
}

// Update replaces this client's per-member data without leaving.
func (p *Presence) Update(data []byte) *Result {
	return p.send(protocol.PresenceUpdate, data)
}

// Leave removes this client from the channel's member set.
func (p *Presence) Leave(data []byte) *Result {
	return p.send(protocol.PresenceLeave, data)
}

func (p *Presence) send(action protocol.PresenceAction, data []byte) *Result {
	r := newResult()
	if !p.ch.conn.post(func() {
		m := &protocol.Message{
			Action:  protocol.ActionPresence,
			Channel: p.ch.name,
			Presence: []*protocol.PresenceData{
				{Action: action, ClientID: p.ch.conn.id, Data: data},
			},
		}
		p.ch.sendLocked(m, r)
	}) {
		r.settle(ErrClientStopped)
	}
	return r
}

// Get returns a snapshot of the member set known to this client. It fails
// immediately when the channel has failed.
func (p *Presence) Get(ctx context.Context) ([]*PresenceMessage, error) {
	type snapshot struct {
		members []*PresenceMessage
		err     *protocol.ErrorInfo
	}
	got := make(chan snapshot, 1)

	posted := p.ch.conn.post(func() {
		if p.ch.state == ChannelFailed {
			got <- snapshot{err: p.ch.failureReason()}
			return
		}
		members := make([]*PresenceMessage, 0, len(p.members))
		for _, m := range p.members {
			members = append(members, m)
		}
		got <- snapshot{members: members}
	})
	if !posted {
		return nil, ErrClientStopped
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-got:
		if s.err != nil {
			return nil, s.err
		}
		return s.members, nil
	}
}

// Subscribe registers fn for every presence event on the channel and
// implicitly attaches, like a message subscription.
func (p *Presence) Subscribe(fn func(*PresenceMessage)) (*Subscription, *Result) {
	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subsMu.Unlock()

	sub := &Subscription{cancel: func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}}

	return sub, p.ch.attachUnlessFailed()
}

// handleProtocolMessage folds inbound presence events into the member set
// and dispatches them to subscribers. Runs on the loop.
func (p *Presence) handleProtocolMessage(m *protocol.Message) {
	for _, d := range m.Presence {
		pm := &PresenceMessage{
			Action:   d.Action,
			ClientID: d.ClientID,
			Data:     d.Data,
		}
		if m.Timestamp > 0 {
			pm.Timestamp = time.UnixMilli(m.Timestamp)
		}

		switch d.Action {
		case protocol.PresenceLeave:
			delete(p.members, d.ClientID)
		default:
			// present, enter, and update all assert membership
			p.members[d.ClientID] = pm
		}

		p.dispatch(pm)
	}
}

func (p *Presence) dispatch(pm *PresenceMessage) {
	p.subsMu.Lock()
	fns := make([]func(*PresenceMessage), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subsMu.Unlock()

	for _, fn := range fns {
		fn(pm)
	}
}
