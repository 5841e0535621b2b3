package broker

import "github.com/LavSarkari/koyibhi/backend/model"

// registry is the single source of truth for who is connected, in what
// room and in what state. Only matchmaking and lifecycle code mutates
// entries; relay code reads them to authorize forwarding.
type registry struct {
	participants map[string]*model.Participant
}

func newRegistry() *registry {
	return &registry{participants: make(map[string]*model.Participant)}
}

func (r *registry) add(id string, wire model.Wire) (*model.Participant, error) {
	if _, ok := r.participants[id]; ok {
		return nil, ErrAlreadyRegistered
	}
	p := &model.Participant{
		ID:    id,
		State: model.StateDisconnected,
		Wire:  wire,
	}
	r.participants[id] = p
	return p, nil
}

func (r *registry) get(id string) *model.Participant {
	return r.participants[id]
}

func (r *registry) remove(id string) {
	delete(r.participants, id)
}

func (r *registry) count() int {
	return len(r.participants)
}

func (r *registry) each(fn func(*model.Participant)) {
	for _, p := range r.participants {
		fn(p)
	}
}
