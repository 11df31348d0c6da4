// Package journal copies dispatcher and shift events into storage:
// completed orders become history records, pool changes become audit
// entries. Every row is tagged with the process instance id.
package journal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	rtsup "orderbot/internal/runtime/supervisor"
	"orderbot/internal/shift"
	"orderbot/internal/storage"
	logx "orderbot/pkg/logx"
)

const (
	defaultBuffer = 512
	writeTimeout  = 2 * time.Second
)

type Service struct {
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	instance string

	sup   *rtsup.Supervisor
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

// New builds a journal for store. instance may be empty, in which case a
// random UUID is used.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger, instance string) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if instance == "" {
		instance = uuid.NewString()
	}
	return &Service{
		store:    store,
		bus:      bus,
		instance: instance,
		log:      log.With(logx.String("comp", "journal"), logx.String("instance", instance)),
	}
}

func (s *Service) Instance() string { return s.instance }

// Written and Failed count storage writes since Start.
func (s *Service) Written() uint64 { return s.written.Load() }
func (s *Service) Failed() uint64  { return s.failed.Load() }

func (s *Service) Start(ctx context.Context) {
	if s.sup != nil || s.store == nil || s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(defaultBuffer, dispatch.EventOrderCompleted, "bot.", shift.EventShiftApplied)
	s.unsub = unsub
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("journal.consume", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				s.drain(ch)
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.write(ev)
			}
		}
	})
}

// drain flushes what is already buffered so a clean shutdown does not lose
// the last completions.
func (s *Service) drain(ch <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.write(ev)
		default:
			return
		}
	}
}

func (s *Service) Stop(ctx context.Context) error {
	if s.sup == nil {
		return nil
	}
	s.sup.Cancel()
	err := s.sup.Wait(ctx)
	if s.unsub != nil {
		s.unsub()
	}
	s.sup, s.unsub = nil, nil
	return err
}

func (s *Service) write(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch data := ev.Data.(type) {
	case dispatch.OrderEvent:
		err = s.store.AppendOrder(ctx, Record(data, s.instance))
	case dispatch.BotEvent:
		err = s.store.AppendAudit(ctx, storage.AuditEntry{
			At:       ev.Time,
			Actor:    data.Actor,
			Action:   ev.Type,
			BotID:    data.Bot.ID,
			OrderID:  data.Released,
			Bots:     data.Bots,
			Instance: s.instance,
		})
	case shift.Result:
		detail := fmt.Sprintf("+%d/-%d", data.Added, data.Removed)
		if data.Err != "" {
			detail += " err=" + data.Err
		}
		err = s.store.AppendAudit(ctx, storage.AuditEntry{
			At:       ev.Time,
			Actor:    "shift:" + data.Shift,
			Action:   ev.Type,
			Bots:     data.Target,
			Detail:   detail,
			Instance: s.instance,
		})
	default:
		return
	}
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("journal write failed", logx.String("event", ev.Type), logx.Err(err))
		return
	}
	s.written.Add(1)
}

// Record converts a completion event into a history row.
func Record(ev dispatch.OrderEvent, instance string) storage.OrderRecord {
	return storage.OrderRecord{
		OrderID:     ev.Order.ID,
		Class:       string(ev.Order.Class),
		Source:      ev.Order.Source,
		BotID:       ev.BotID,
		CreatedAt:   ev.Order.CreatedAt,
		CompletedAt: ev.Order.CompletedAt,
		Instance:    instance,
	}
}
