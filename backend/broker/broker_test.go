package broker_test

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	"github.com/LavSarkari/koyibhi/backend/broker"
	"github.com/LavSarkari/koyibhi/backend/filter"
	"github.com/LavSarkari/koyibhi/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codeFormat = regexp.MustCompile(`^[A-Z0-9]{6}$`)

func newBroker() *broker.Broker {
	logger := zerolog.Nop()
	return broker.New(broker.Config{
		Logger: &logger,
		Clean:  filter.New().Clean,
	})
}

func connect(t *testing.T, b *broker.Broker, id string) model.Wire {
	t.Helper()
	wire := model.NewWire()
	require.NoError(t, b.Register(id, wire))
	return wire
}

// drain collects everything currently buffered on a wire.
func drain(wire model.Wire) []model.Outbound {
	var out []model.Outbound
	for {
		select {
		case ev := <-wire.TX:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// next pops buffered events until one of the wanted type shows up.
// Broker deliveries are synchronous, so anything expected is already there.
func next(t *testing.T, wire model.Wire, typ string) model.Outbound {
	t.Helper()
	for {
		select {
		case ev := <-wire.TX:
			if ev.Type == typ {
				return ev
			}
		default:
			t.Fatalf("no %q event buffered", typ)
			return model.Outbound{}
		}
	}
}

func countType(events []model.Outbound, typ string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRegister(t *testing.T) {
	b := newBroker()

	t.Run("broadcasts user count to everyone", func(t *testing.T) {
		wireA := connect(t, b, "a")
		assert.Equal(t, 1, next(t, wireA, model.EventUserCount).Payload)

		wireB := connect(t, b, "b")
		assert.Equal(t, 2, next(t, wireA, model.EventUserCount).Payload)
		assert.Equal(t, 2, next(t, wireB, model.EventUserCount).Payload)
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		err := b.Register("a", model.NewWire())
		assert.ErrorIs(t, err, broker.ErrAlreadyRegistered)
	})
}

func TestFindRandomPartner(t *testing.T) {
	t.Run("first caller waits", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")

		require.NoError(t, b.FindRandomPartner("a"))
		next(t, wireA, model.EventWaiting)
	})

	t.Run("second caller pairs with waiter and initiates", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.FindRandomPartner("a"))
		drain(wireA)
		drain(wireB)

		require.NoError(t, b.FindRandomPartner("b"))

		startA := next(t, wireA, model.EventChatStart)
		evsB := drain(wireB)
		require.Equal(t, 1, countType(evsB, model.EventChatStart))
		require.Equal(t, 1, countType(evsB, model.EventInitiator))

		for _, ev := range evsB {
			if ev.Type == model.EventChatStart {
				assert.Equal(t, startA.RoomID, ev.RoomID)
				assert.True(t, codeFormat.MatchString(ev.RoomID))
			}
		}
		// the pre-existing waiter never gets initiator status
		assert.Zero(t, countType(drain(wireA), model.EventInitiator))
	})

	t.Run("caller is never matched with itself", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")

		require.NoError(t, b.FindRandomPartner("a"))
		require.NoError(t, b.FindRandomPartner("a"))

		evs := drain(wireA)
		assert.Equal(t, 2, countType(evs, model.EventWaiting))
		assert.Zero(t, countType(evs, model.EventChatStart))
	})

	t.Run("code room waiter is invisible to random matchmaking", func(t *testing.T) {
		b := newBroker()
		connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.CreateRoom("a"))

		require.NoError(t, b.FindRandomPartner("b"))
		next(t, wireB, model.EventWaiting)
	})

	t.Run("re-invoking from chat tears the old room down first", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.FindRandomPartner("a"))
		require.NoError(t, b.FindRandomPartner("b"))
		drain(wireA)
		drain(wireB)

		require.NoError(t, b.FindRandomPartner("a"))

		next(t, wireB, model.EventPartnerLeft)
		next(t, wireA, model.EventWaiting)
	})
}

func TestCreateRoom(t *testing.T) {
	b := newBroker()
	wireA := connect(t, b, "a")

	require.NoError(t, b.CreateRoom("a"))

	created := next(t, wireA, model.EventRoomCreated)
	code, ok := created.Payload.(string)
	require.True(t, ok)
	assert.True(t, codeFormat.MatchString(code))
}

func TestJoinRoom(t *testing.T) {
	setup := func(t *testing.T) (*broker.Broker, model.Wire, string) {
		b := newBroker()
		wireA := connect(t, b, "a")
		require.NoError(t, b.CreateRoom("a"))
		code := next(t, wireA, model.EventRoomCreated).Payload.(string)
		drain(wireA)
		return b, wireA, code
	}

	t.Run("joiner completes the room and initiates", func(t *testing.T) {
		b, wireA, code := setup(t)
		wireB := connect(t, b, "b")
		drain(wireA)

		require.NoError(t, b.JoinRoom("b", code))

		assert.Equal(t, code, next(t, wireA, model.EventChatStart).RoomID)
		evsB := drain(wireB)
		assert.Equal(t, 1, countType(evsB, model.EventChatStart))
		assert.Equal(t, 1, countType(evsB, model.EventInitiator))
		assert.Zero(t, countType(drain(wireA), model.EventInitiator))
	})

	t.Run("code is case-insensitive", func(t *testing.T) {
		b, wireA, code := setup(t)
		connect(t, b, "b")

		require.NoError(t, b.JoinRoom("b", "  "+strings.ToLower(code)+" "))
		next(t, wireA, model.EventChatStart)
	})

	t.Run("unknown code", func(t *testing.T) {
		b, _, _ := setup(t)
		connect(t, b, "b")
		assert.ErrorIs(t, b.JoinRoom("b", "NOSUCH"), broker.ErrRoomNotFound)
	})

	t.Run("empty code", func(t *testing.T) {
		b, _, _ := setup(t)
		connect(t, b, "b")
		assert.ErrorIs(t, b.JoinRoom("b", "  "), broker.ErrInvalidInput)
	})

	t.Run("creator cannot join its own room", func(t *testing.T) {
		b, _, code := setup(t)
		assert.ErrorIs(t, b.JoinRoom("a", code), broker.ErrSelfJoin)
	})

	t.Run("sealed room rejects a third joiner", func(t *testing.T) {
		b, _, code := setup(t)
		connect(t, b, "b")
		connect(t, b, "c")
		require.NoError(t, b.JoinRoom("b", code))

		assert.ErrorIs(t, b.JoinRoom("c", code), broker.ErrRoomFull)
	})

	t.Run("rejected join leaves the joiner untouched", func(t *testing.T) {
		b, _, _ := setup(t)
		wireB := connect(t, b, "b")
		drain(wireB)
		require.ErrorIs(t, b.JoinRoom("b", "NOSUCH"), broker.ErrRoomNotFound)

		// still disconnected: matchmaking queues it instead of tearing anything down
		require.NoError(t, b.FindRandomPartner("b"))
		evs := drain(wireB)
		assert.Equal(t, 1, countType(evs, model.EventWaiting))
	})
}

func TestRelay(t *testing.T) {
	pair := func(t *testing.T) (*broker.Broker, model.Wire, model.Wire, string) {
		b := newBroker()
		wireA := connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.FindRandomPartner("a"))
		require.NoError(t, b.FindRandomPartner("b"))
		roomID := next(t, wireA, model.EventChatStart).RoomID
		drain(wireA)
		drain(wireB)
		return b, wireA, wireB, roomID
	}

	t.Run("forwards opaque payload to the other occupant only", func(t *testing.T) {
		b, wireA, wireB, roomID := pair(t)
		payload := json.RawMessage(`{"sdp":"v=0"}`)

		require.NoError(t, b.Relay("a", model.EventOffer, roomID, payload))

		ev := next(t, wireB, model.EventOffer)
		assert.Equal(t, payload, ev.Payload)
		assert.Empty(t, drain(wireA))
	})

	t.Run("drops messages naming a foreign room", func(t *testing.T) {
		b, _, wireB, _ := pair(t)

		err := b.Relay("a", model.EventOffer, "XXXXXX", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, broker.ErrNotAuthorized)
		assert.Empty(t, drain(wireB))
	})

	t.Run("drops messages from outsiders", func(t *testing.T) {
		b, wireA, wireB, roomID := pair(t)
		connect(t, b, "c")
		drain(wireA)
		drain(wireB)

		err := b.Relay("c", model.EventICECandidate, roomID, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, broker.ErrNotAuthorized)
		assert.Empty(t, drain(wireA))
		assert.Empty(t, drain(wireB))
	})

	t.Run("chat is filtered and timestamped", func(t *testing.T) {
		b, wireA, wireB, roomID := pair(t)

		require.NoError(t, b.SendChat("a", roomID, json.RawMessage(`"you fuck"`)))

		ev := next(t, wireB, model.EventReceiveMessage)
		msg, ok := ev.Payload.(model.ChatPayload)
		require.True(t, ok)
		assert.Equal(t, "you ****", msg.Message)
		assert.Positive(t, msg.Timestamp)
		// the broker produces no echo for the sender
		assert.Empty(t, drain(wireA))
	})

	t.Run("non-string chat payload becomes the placeholder", func(t *testing.T) {
		b, _, wireB, roomID := pair(t)

		require.NoError(t, b.SendChat("a", roomID, json.RawMessage(`{"nope":1}`)))

		ev := next(t, wireB, model.EventReceiveMessage)
		assert.Equal(t, filter.Placeholder, ev.Payload.(model.ChatPayload).Message)
	})
}

func TestLeave(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.FindRandomPartner("a"))
		require.NoError(t, b.FindRandomPartner("b"))
		drain(wireA)
		drain(wireB)

		b.Leave("a")
		require.Equal(t, 1, countType(drain(wireB), model.EventPartnerLeft))

		b.Leave("a")
		assert.Empty(t, drain(wireA))
		assert.Empty(t, drain(wireB))
	})

	t.Run("discards a sole-member code room", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")
		require.NoError(t, b.CreateRoom("a"))
		code := next(t, wireA, model.EventRoomCreated).Payload.(string)

		b.Leave("a")

		connect(t, b, "b")
		assert.ErrorIs(t, b.JoinRoom("b", code), broker.ErrRoomNotFound)
	})

	t.Run("removes a waiting participant from the pool", func(t *testing.T) {
		b := newBroker()
		connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.FindRandomPartner("a"))
		b.Leave("a")
		drain(wireB)

		require.NoError(t, b.FindRandomPartner("b"))
		next(t, wireB, model.EventWaiting)
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("partner is reset and told exactly once", func(t *testing.T) {
		b := newBroker()
		wireA := connect(t, b, "a")
		wireB := connect(t, b, "b")
		require.NoError(t, b.FindRandomPartner("a"))
		require.NoError(t, b.FindRandomPartner("b"))
		roomID := next(t, wireA, model.EventChatStart).RoomID
		drain(wireA)
		drain(wireB)

		b.Disconnect("a")

		evsB := drain(wireB)
		assert.Equal(t, 1, countType(evsB, model.EventPartnerLeft))
		assert.Equal(t, 1, countType(evsB, model.EventUserCount))
		assert.Equal(t, 1, b.Online())

		// room is gone, partner starts over from a clean state
		assert.ErrorIs(t, b.Relay("b", model.EventOffer, roomID, json.RawMessage(`{}`)), broker.ErrNotAuthorized)
		require.NoError(t, b.FindRandomPartner("b"))
		assert.Equal(t, 1, countType(drain(wireB), model.EventWaiting))
	})

	t.Run("is a no-op for unknown ids", func(t *testing.T) {
		b := newBroker()
		b.Disconnect("ghost")
		assert.Zero(t, b.Online())
	})
}
