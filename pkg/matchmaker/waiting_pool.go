package matchmaker

import "container/list"

type LivenessChecker interface {
	IsLive(clientId string) bool
}

// WaitingPool is a FIFO of client ids looking for a partner. An id is present at
// most once. Not safe for concurrent use; the Matchmaker serializes access.
type WaitingPool struct {
	liveness LivenessChecker

	order   *list.List
	entries map[string]*list.Element
}

func CreateWaitingPool(liveness LivenessChecker) *WaitingPool {
	return &WaitingPool{
		liveness: liveness,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Enqueue appends clientId at the tail. Returns false if it was already waiting.
func (p *WaitingPool) Enqueue(clientId string) bool {
	if _, has := p.entries[clientId]; has {
		return false
	}

	p.entries[clientId] = p.order.PushBack(clientId)
	return true
}

// DequeueNext pops the head of the pool, discarding entries whose connection is
// no longer live, until a live one is found or the pool is exhausted.
func (p *WaitingPool) DequeueNext() (string, bool) {
	for p.order.Len() > 0 {
		head := p.order.Front()
		clientId := p.order.Remove(head).(string)
		delete(p.entries, clientId)

		if p.liveness.IsLive(clientId) {
			return clientId, true
		}
	}

	return "", false
}

func (p *WaitingPool) Remove(clientId string) bool {
	elem, has := p.entries[clientId]
	if !has {
		return false
	}

	p.order.Remove(elem)
	delete(p.entries, clientId)
	return true
}

func (p *WaitingPool) Contains(clientId string) bool {
	_, has := p.entries[clientId]
	return has
}

func (p *WaitingPool) Len() int {
	return p.order.Len()
}

// Snapshot returns the waiting ids head first.
func (p *WaitingPool) Snapshot() []string {
	ids := make([]string, 0, p.order.Len())
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		ids = append(ids, elem.Value.(string))
	}
	return ids
}
