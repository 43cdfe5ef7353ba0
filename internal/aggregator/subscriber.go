package aggregator

import (
	"sync"
	"time"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

// subscriber holds at most one pending update. Updates that arrive while
// the consumer is busy are merged into it, so a slow observer sees fewer,
// larger updates and never stalls the aggregator.
type subscriber struct {
	out    chan types.Update
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending *types.Update
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:    make(chan types.Update),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *subscriber) push(u types.Update) {
	s.mu.Lock()
	if s.pending == nil {
		s.pending = &u
	} else {
		merged := merge(*s.pending, u)
		s.pending = &merged
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// finalDelivery bounds how long a closing subscriber waits for its consumer
// to take the last pending update.
const finalDelivery = time.Second

func (s *subscriber) deliver() {
	defer close(s.out)
	for {
		select {
		case <-s.signal:
		case <-s.done:
			s.deliverLast()
			return
		}

		u := s.take()
		if u == nil {
			continue
		}

		select {
		case s.out <- *u:
		case <-s.done:
			s.mu.Lock()
			if s.pending != nil {
				merged := merge(*u, *s.pending)
				u = &merged
			}
			s.pending = u
			s.mu.Unlock()
			s.deliverLast()
			return
		}
	}
}

func (s *subscriber) take() *types.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.pending
	s.pending = nil
	return u
}

func (s *subscriber) deliverLast() {
	u := s.take()
	if u == nil {
		return
	}
	timer := time.NewTimer(finalDelivery)
	defer timer.Stop()
	select {
	case s.out <- *u:
	case <-timer.C:
	}
}

// merge folds next into prev. Per job the newest snapshot wins; a removal
// drops earlier snapshots of the job.
func merge(prev, next types.Update) types.Update {
	out := types.Update{
		Full:  prev.Full || next.Full,
		Stats: next.Stats,
		At:    next.At,
	}

	removed := make(map[types.JobID]bool)
	for _, id := range prev.Removed {
		removed[id] = true
	}
	for _, id := range next.Removed {
		removed[id] = true
	}

	index := make(map[types.JobID]int)
	add := func(ju types.JobUpdate) {
		if i, ok := index[ju.ID]; ok {
			out.Jobs[i] = ju
			return
		}
		index[ju.ID] = len(out.Jobs)
		out.Jobs = append(out.Jobs, ju)
	}
	for _, ju := range prev.Jobs {
		if !removed[ju.ID] {
			add(ju)
		}
	}
	for _, ju := range next.Jobs {
		add(ju)
		delete(removed, ju.ID)
	}

	for _, id := range append(prev.Removed, next.Removed...) {
		if removed[id] {
			out.Removed = append(out.Removed, id)
			delete(removed, id)
		}
	}
	return out
}
