package broker

import (
	"math/rand"

	"github.com/LavSarkari/koyibhi/backend/model"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// roomStore holds the active rooms keyed by code. Codes are unique among
// live rooms only; once a room is destroyed its code may be handed out again.
type roomStore struct {
	rooms map[string]*model.Room
}

func newRoomStore() *roomStore {
	return &roomStore{rooms: make(map[string]*model.Room)}
}

// allocate creates a room under a fresh collision-checked code.
func (rs *roomStore) allocate(origin model.Origin, members ...string) *model.Room {
	room := &model.Room{
		Code:    rs.newCode(),
		Members: members,
		Origin:  origin,
	}
	rs.rooms[room.Code] = room
	return room
}

func (rs *roomStore) get(code string) *model.Room {
	return rs.rooms[code]
}

func (rs *roomStore) destroy(code string) {
	delete(rs.rooms, code)
}

// newCode re-rolls until the code is free. Collisions are vanishingly
// rare at 36^6 but still checked, not assumed.
func (rs *roomStore) newCode() string {
	buf := make([]byte, codeLength)
	for {
		for i := range buf {
			buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
		}
		if _, ok := rs.rooms[string(buf)]; !ok {
			return string(buf)
		}
	}
}
