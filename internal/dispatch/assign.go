package dispatch

type assignment struct {
	bot   *bot
	order *Order
}

// rebalance pairs idle bots with queued orders nobody holds. Bots are walked
// in id order; each takes the first free VIP, otherwise the first free order.
//
// It does not mutate its inputs. When it returns, every idle bot left out of
// the result has nothing to pick.
func rebalance(queue []*Order, bots []*bot) []assignment {
	held := make(map[int64]struct{}, len(bots))
	for _, b := range bots {
		if b.order != nil {
			held[b.order.ID] = struct{}{}
		}
	}

	var out []assignment
	for _, b := range bots {
		if b.order != nil {
			continue
		}
		o := pick(queue, held)
		if o == nil {
			break
		}
		held[o.ID] = struct{}{}
		out = append(out, assignment{bot: b, order: o})
	}
	return out
}

func pick(queue []*Order, held map[int64]struct{}) *Order {
	var first *Order
	for _, o := range queue {
		if _, busy := held[o.ID]; busy {
			continue
		}
		if o.Class == ClassVIP {
			return o
		}
		if first == nil {
			first = o
		}
	}
	return first
}
