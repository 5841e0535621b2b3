package broker

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/LavSarkari/koyibhi/backend/model"
	"github.com/rs/zerolog"
)

const defaultDeliverTimeout = time.Second

var (
	ErrAlreadyRegistered = errors.New("participant already registered")
	ErrNotRegistered     = errors.New("participant not found")
	ErrInvalidInput      = errors.New("invalid room code")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room is full")
	ErrSelfJoin          = errors.New("cannot join your own room")
	ErrNotAuthorized     = errors.New("not a member of this room")
)

// Broker owns all session state: the participant registry, the random
// waiting pool and the room store. Every public operation runs its whole
// mutation sequence under one mutex, so a pairing or teardown is never
// observed half-done. Outbound events are collected during the critical
// section and delivered after unlock.
type Broker struct {
	logger zerolog.Logger

	mx       sync.Mutex
	registry *registry
	pool     *waitingPool
	rooms    *roomStore
	clean    func(string) string
}

type Config struct {
	Logger *zerolog.Logger
	// Clean censors chat text before relay. Handshake payloads never
	// pass through it.
	Clean func(string) string
}

func New(cfg Config) *Broker {
	clean := cfg.Clean
	if clean == nil {
		clean = func(s string) string { return s }
	}
	return &Broker{
		logger:   cfg.Logger.With().Str("component", "broker").Logger(),
		registry: newRegistry(),
		pool:     newWaitingPool(),
		rooms:    newRoomStore(),
		clean:    clean,
	}
}

// delivery is one outbound event bound for one connection.
type delivery struct {
	wire  model.Wire
	event model.Outbound
}

// Register adds a new connection and broadcasts the updated online count
// to everyone, the newcomer included.
func (b *Broker) Register(id string, wire model.Wire) error {
	b.mx.Lock()
	_, err := b.registry.add(id, wire)
	if err != nil {
		b.mx.Unlock()
		return err
	}
	out := b.userCountLocked()
	b.mx.Unlock()

	b.logger.Debug().Str("id", id).Msg("participant registered")
	b.deliver(out)
	return nil
}

// FindRandomPartner pairs the caller with the earliest waiter, or queues
// the caller if nobody is waiting. A caller that is already waiting or
// chatting is first taken through leave, so re-invoking is safe.
func (b *Broker) FindRandomPartner(id string) error {
	b.mx.Lock()
	p := b.registry.get(id)
	if p == nil {
		b.mx.Unlock()
		return ErrNotRegistered
	}

	var out []delivery
	if p.State != model.StateDisconnected {
		b.leaveLocked(p, &out)
	}

	partnerID, ok := b.pool.pop()
	if !ok {
		p.State = model.StateWaiting
		b.pool.push(id)
		out = append(out, delivery{p.Wire, model.Outbound{Type: model.EventWaiting}})
		b.mx.Unlock()

		b.logger.Debug().Str("id", id).Msg("queued for random partner")
		b.deliver(out)
		return nil
	}

	partner := b.registry.get(partnerID)
	room := b.rooms.allocate(model.OriginRandom, id, partnerID)
	b.pairLocked(p, partner, room, &out)
	b.mx.Unlock()

	b.logger.Debug().
		Str("id", id).
		Str("partnerID", partnerID).
		Str("roomID", room.Code).
		Msg("random pair matched")
	b.deliver(out)
	return nil
}

// CreateRoom opens a single-member code room and hands the caller its code.
func (b *Broker) CreateRoom(id string) error {
	b.mx.Lock()
	p := b.registry.get(id)
	if p == nil {
		b.mx.Unlock()
		return ErrNotRegistered
	}

	var out []delivery
	if p.State != model.StateDisconnected {
		b.leaveLocked(p, &out)
	}

	room := b.rooms.allocate(model.OriginCode, id)
	p.State = model.StateWaiting
	p.RoomID = room.Code
	out = append(out, delivery{p.Wire, model.Outbound{
		Type:    model.EventRoomCreated,
		Payload: room.Code,
	}})
	b.mx.Unlock()

	b.logger.Debug().Str("id", id).Str("roomID", room.Code).Msg("code room created")
	b.deliver(out)
	return nil
}

// JoinRoom completes a code room. All checks run before any state is
// touched, so a rejected join mutates nothing.
func (b *Broker) JoinRoom(id, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ErrInvalidInput
	}

	b.mx.Lock()
	p := b.registry.get(id)
	if p == nil {
		b.mx.Unlock()
		return ErrNotRegistered
	}
	room := b.rooms.get(code)
	if room == nil {
		b.mx.Unlock()
		return ErrRoomNotFound
	}
	if room.Full() {
		b.mx.Unlock()
		return ErrRoomFull
	}
	if room.Has(id) {
		b.mx.Unlock()
		return ErrSelfJoin
	}

	var out []delivery
	if p.State != model.StateDisconnected {
		b.leaveLocked(p, &out)
	}

	partner := b.registry.get(room.Members[0])
	room.Members = append(room.Members, id)
	b.pairLocked(p, partner, room, &out)
	b.mx.Unlock()

	b.logger.Debug().
		Str("id", id).
		Str("partnerID", partner.ID).
		Str("roomID", code).
		Msg("code room joined")
	b.deliver(out)
	return nil
}

// pairLocked moves both participants to InChat in one step and emits
// chat-start to both. Only the arriving side gets the initiator flag, so
// exactly one peer opens the handshake.
func (b *Broker) pairLocked(p, partner *model.Participant, room *model.Room, out *[]delivery) {
	p.State = model.StateInChat
	p.RoomID = room.Code
	p.PartnerID = partner.ID

	partner.State = model.StateInChat
	partner.RoomID = room.Code
	partner.PartnerID = p.ID

	start := model.Outbound{Type: model.EventChatStart, RoomID: room.Code}
	*out = append(*out,
		delivery{p.Wire, start},
		delivery{partner.Wire, start},
		delivery{p.Wire, model.Outbound{Type: model.EventInitiator, Payload: true}},
	)
}

// Relay forwards an opaque handshake payload to the other room occupant.
// The sender must be chatting in exactly the room the message names.
func (b *Broker) Relay(id, kind, roomID string, payload json.RawMessage) error {
	b.mx.Lock()
	partner, err := b.partnerLocked(id, roomID)
	if err != nil {
		b.mx.Unlock()
		return err
	}
	out := []delivery{{partner.Wire, model.Outbound{Type: kind, Payload: payload}}}
	b.mx.Unlock()

	b.logger.Debug().Str("type", kind).Str("roomID", roomID).Msg("signal relayed")
	b.deliver(out)
	return nil
}

// SendChat filters chat text and forwards it with a server timestamp.
// A payload that is not a JSON string is replaced with the invalid-message
// placeholder via the cleaner rather than rejected.
func (b *Broker) SendChat(id, roomID string, payload json.RawMessage) error {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		text = ""
	}
	msg := model.ChatPayload{
		Message:   b.clean(text),
		Timestamp: time.Now().UnixMilli(),
	}

	b.mx.Lock()
	partner, err := b.partnerLocked(id, roomID)
	if err != nil {
		b.mx.Unlock()
		return err
	}
	out := []delivery{{partner.Wire, model.Outbound{Type: model.EventReceiveMessage, Payload: msg}}}
	b.mx.Unlock()

	b.deliver(out)
	return nil
}

// partnerLocked authorizes a relay and resolves the other occupant.
func (b *Broker) partnerLocked(id, roomID string) (*model.Participant, error) {
	p := b.registry.get(id)
	if p == nil || p.State != model.StateInChat || roomID == "" || p.RoomID != roomID {
		return nil, ErrNotAuthorized
	}
	room := b.rooms.get(p.RoomID)
	if room == nil {
		return nil, ErrNotAuthorized
	}
	otherID, ok := room.Other(id)
	if !ok {
		return nil, ErrNotAuthorized
	}
	partner := b.registry.get(otherID)
	if partner == nil {
		return nil, ErrNotAuthorized
	}
	return partner, nil
}

// Leave takes the caller back to the disconnected state, tearing down
// whatever it occupied. Idempotent: leaving twice is a no-op the second time.
func (b *Broker) Leave(id string) {
	b.mx.Lock()
	p := b.registry.get(id)
	if p == nil {
		b.mx.Unlock()
		return
	}
	var out []delivery
	b.leaveLocked(p, &out)
	b.mx.Unlock()

	b.deliver(out)
}

// Disconnect runs the same teardown as Leave, then drops the registry
// record and broadcasts the new online count. Transport teardown always
// comes through here, never through an error path.
func (b *Broker) Disconnect(id string) {
	b.mx.Lock()
	p := b.registry.get(id)
	if p == nil {
		b.mx.Unlock()
		return
	}
	var out []delivery
	b.leaveLocked(p, &out)
	b.registry.remove(id)
	out = append(out, b.userCountLocked()...)
	b.mx.Unlock()

	b.logger.Debug().Str("id", id).Msg("participant disconnected")
	b.deliver(out)
}

// leaveLocked is the shared teardown. The remaining partner, if any, is
// reset to disconnected and told exactly once; the leaver gets no
// notification about itself.
func (b *Broker) leaveLocked(p *model.Participant, out *[]delivery) {
	switch p.State {
	case model.StateWaiting:
		b.pool.remove(p.ID)
		if p.RoomID != "" {
			b.rooms.destroy(p.RoomID)
		}
	case model.StateInChat:
		b.rooms.destroy(p.RoomID)
		if partner := b.registry.get(p.PartnerID); partner != nil {
			partner.State = model.StateDisconnected
			partner.RoomID = ""
			partner.PartnerID = ""
			*out = append(*out, delivery{partner.Wire, model.Outbound{Type: model.EventPartnerLeft}})
		}
	}
	p.State = model.StateDisconnected
	p.RoomID = ""
	p.PartnerID = ""
}

// Online reports the number of connected participants.
func (b *Broker) Online() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.registry.count()
}

func (b *Broker) userCountLocked() []delivery {
	event := model.Outbound{Type: model.EventUserCount, Payload: b.registry.count()}
	out := make([]delivery, 0, b.registry.count())
	b.registry.each(func(p *model.Participant) {
		out = append(out, delivery{p.Wire, event})
	})
	return out
}

// deliver pushes events out after the critical section. A wire that does
// not accept within the timeout is treated as dead and skipped.
func (b *Broker) deliver(out []delivery) {
	for _, d := range out {
		t := time.NewTimer(defaultDeliverTimeout)
		select {
		case d.wire.TX <- d.event:
			t.Stop()
		case <-t.C:
			b.logger.Error().Str("type", d.event.Type).Msg("dead endpoint, event dropped")
		}
	}
}
