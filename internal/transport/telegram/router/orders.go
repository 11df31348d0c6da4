package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orderbot/internal/dispatch"
	kit "orderbot/internal/transport"
	logx "orderbot/pkg/logx"
)

// Dispatcher is the part of dispatch.Dispatcher the chat commands use.
type Dispatcher interface {
	Enqueue(ctx context.Context, class dispatch.Class) (dispatch.Order, error)
	AddBot(ctx context.Context) (dispatch.Bot, error)
	RemoveBot(ctx context.Context) (int, bool, error)
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
}

// Watcher is told which chat created an order so it can announce completion.
type Watcher interface {
	Watch(orderID int64, to kit.ChatTarget)
}

const maxOrdersPerCommand = 10

// OrderCommands returns the order intake and bot pool commands.
// w may be nil.
func OrderCommands(d Dispatcher, w Watcher) []Command {
	h := &orderHandlers{d: d, w: w, now: time.Now}
	return h.commands()
}

type orderHandlers struct {
	d   Dispatcher
	w   Watcher
	now func() time.Time
}

func (h *orderHandlers) commands() []Command {
	return []Command{
		{
			Name:        "normal",
			Aliases:     []string{"n", "order"},
			Description: "place a normal order",
			Usage:       "/normal [count]",
			Handle:      h.enqueue(dispatch.ClassNormal),
		},
		{
			Name:        "vip",
			Aliases:     []string{"v"},
			Description: "place a VIP order",
			Usage:       "/vip [count]",
			Handle:      h.enqueue(dispatch.ClassVIP),
		},
		{
			Name:        "addbot",
			Aliases:     []string{"bot_add"},
			Description: "add a bot",
			Usage:       "/addbot",
			Access:      AccessOwnerOnly,
			Handle:      h.addBot,
		},
		{
			Name:        "removebot",
			Aliases:     []string{"rmbot", "bot_remove"},
			Description: "remove the newest bot",
			Usage:       "/removebot",
			Access:      AccessOwnerOnly,
			Handle:      h.removeBot,
		},
		{
			Name:        "status",
			Aliases:     []string{"s"},
			Description: "queue and bot summary",
			Usage:       "/status",
			Handle:      h.status,
		},
		{
			Name:        "bots",
			Description: "list bots",
			Usage:       "/bots",
			Handle:      h.bots,
		},
	}
}

func countArg(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > maxOrdersPerCommand {
		return 0, userErrorf("count must be a number from 1 to %d", maxOrdersPerCommand)
	}
	return n, nil
}

func dispatchErr(err error) error {
	if errors.Is(err, dispatch.ErrStopped) {
		return userErrorf("the kitchen is closed right now, try again later")
	}
	return err
}

func (h *orderHandlers) enqueue(class dispatch.Class) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		n, err := countArg(req.Args)
		if err != nil {
			return err
		}
		actx := dispatch.WithActor(ctx, req.Actor())
		ids := make([]string, 0, n)
		for i := 0; i < n; i++ {
			o, err := h.d.Enqueue(actx, class)
			if err != nil {
				if len(ids) == 0 {
					return dispatchErr(err)
				}
				req.Logger.Warn("enqueue stopped early", logx.Int("placed", len(ids)), logx.Err(err))
				break
			}
			if h.w != nil {
				h.w.Watch(o.ID, req.Chat)
			}
			ids = append(ids, "#"+strconv.FormatInt(o.ID, 10))
		}

		noun := "Order"
		if len(ids) > 1 {
			noun = "Orders"
		}
		text := fmt.Sprintf("🧾 %s %s (%s) queued.", noun, strings.Join(ids, ", "), class)
		if h.w != nil {
			text += "\nI'll tell you here when it's ready."
		}
		return req.Reply(ctx, text)
	}
}

func (h *orderHandlers) addBot(ctx context.Context, req *Request) error {
	b, err := h.d.AddBot(dispatch.WithActor(ctx, req.Actor()))
	if err != nil {
		return dispatchErr(err)
	}
	return req.Reply(ctx, fmt.Sprintf("🤖 Bot %d added.", b.ID))
}

func (h *orderHandlers) removeBot(ctx context.Context, req *Request) error {
	id, ok, err := h.d.RemoveBot(dispatch.WithActor(ctx, req.Actor()))
	if err != nil {
		return dispatchErr(err)
	}
	if !ok {
		return req.Reply(ctx, "No bots to remove.")
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Bot %d removed.", id))
}

func (h *orderHandlers) status(ctx context.Context, req *Request) error {
	s, err := h.d.Snapshot(ctx)
	if err != nil {
		return dispatchErr(err)
	}
	return req.Reply(ctx, formatStatus(s))
}

func (h *orderHandlers) bots(ctx context.Context, req *Request) error {
	s, err := h.d.Snapshot(ctx)
	if err != nil {
		return dispatchErr(err)
	}
	return req.Reply(ctx, formatBots(s, h.now()))
}

func formatStatus(s dispatch.Snapshot) string {
	var vip, normal, inFlight int
	for _, p := range s.Pending {
		if p.Class == dispatch.ClassVIP {
			vip++
		} else {
			normal++
		}
		if p.InFlight() {
			inFlight++
		}
	}
	state := "running"
	if !s.Running {
		state = "stopped"
	}
	return strings.Join([]string{
		"📊 Status: " + state,
		fmt.Sprintf("Bots: %d (%d idle)", len(s.Bots), s.IdleBots()),
		fmt.Sprintf("Pending: %d VIP, %d normal (%d in progress)", vip, normal, inFlight),
		fmt.Sprintf("Completed: %d", len(s.Completed)),
		"Process time: " + s.Stats.ProcessTime.String(),
	}, "\n")
}

func formatBots(s dispatch.Snapshot, now time.Time) string {
	if len(s.Bots) == 0 {
		return "No bots."
	}
	lines := make([]string, 0, len(s.Bots))
	for _, b := range s.Bots {
		if b.State == dispatch.BotBusy {
			elapsed := now.Sub(b.Since).Truncate(time.Second)
			lines = append(lines, fmt.Sprintf("🤖 Bot %d: BUSY with #%d (%s)", b.ID, b.OrderID, elapsed))
			continue
		}
		lines = append(lines, fmt.Sprintf("🤖 Bot %d: IDLE", b.ID))
	}
	return strings.Join(lines, "\n")
}
