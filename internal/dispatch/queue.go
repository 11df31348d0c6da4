package dispatch

import (
	"slices"
	"time"
)

// bot is the loop-owned worker record.
type bot struct {
	id    int
	order *Order // nil while idle
	since time.Time

	// token identifies the live completion. 0 means none.
	token uint64
	timer Timer
}

func (b *bot) view() Bot {
	v := Bot{ID: b.id, State: BotIdle}
	if b.order != nil {
		v.State = BotBusy
		v.OrderID = b.order.ID
		v.Since = b.since
	}
	return v
}

// state is only touched from the dispatcher loop.
type state struct {
	lastOrderID int64
	lastToken   uint64

	queue     []*Order
	completed []Order
	bots      []*bot // ascending id

	preempted int64
}

// insert places o by class: a VIP goes right after the last queued VIP (or
// to the front), a NORMAL goes to the tail. Within a class this is FIFO.
func (s *state) insert(o *Order) {
	if o.Class != ClassVIP {
		s.queue = append(s.queue, o)
		return
	}
	at := 0
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].Class == ClassVIP {
			at = i + 1
			break
		}
	}
	s.queue = slices.Insert(s.queue, at, o)
}

func (s *state) take(id int64) *Order {
	i := slices.IndexFunc(s.queue, func(o *Order) bool { return o.ID == id })
	if i < 0 {
		return nil
	}
	o := s.queue[i]
	s.queue = slices.Delete(s.queue, i, i+1)
	return o
}

func (s *state) nextBotID() int {
	if len(s.bots) == 0 {
		return 1
	}
	return s.bots[len(s.bots)-1].id + 1
}

func (s *state) bot(id int) *bot {
	i, ok := slices.BinarySearchFunc(s.bots, id, func(b *bot, id int) int { return b.id - id })
	if !ok {
		return nil
	}
	return s.bots[i]
}

// popNewest removes the bot with the largest id.
func (s *state) popNewest() *bot {
	n := len(s.bots)
	if n == 0 {
		return nil
	}
	b := s.bots[n-1]
	s.bots[n-1] = nil
	s.bots = s.bots[:n-1]
	return b
}

// holders maps in-flight order ids to the bot holding them.
func (s *state) holders() map[int64]int {
	m := make(map[int64]int, len(s.bots))
	for _, b := range s.bots {
		if b.order != nil {
			m[b.order.ID] = b.id
		}
	}
	return m
}
