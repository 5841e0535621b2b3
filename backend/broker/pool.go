package broker

// waitingPool queues participants seeking a random partner.
// FIFO by arrival, so the longest-waiting participant is matched first.
// Participants waiting on a self-created code room are never in here.
type waitingPool struct {
	ids []string
}

func newWaitingPool() *waitingPool {
	return &waitingPool{}
}

func (wp *waitingPool) push(id string) {
	wp.ids = append(wp.ids, id)
}

// pop removes and returns the earliest-queued participant.
func (wp *waitingPool) pop() (string, bool) {
	if len(wp.ids) == 0 {
		return "", false
	}
	id := wp.ids[0]
	wp.ids = wp.ids[1:]
	return id, true
}

func (wp *waitingPool) remove(id string) {
	for i, v := range wp.ids {
		if v == id {
			wp.ids = append(wp.ids[:i], wp.ids[i+1:]...)
			return
		}
	}
}

func (wp *waitingPool) len() int {
	return len(wp.ids)
}
