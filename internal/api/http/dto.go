package httpapi

import (
	"orderbot/internal/dispatch"
	rtsup "orderbot/internal/runtime/supervisor"
	"orderbot/internal/storage"
)

// CreateOrderRequest is the body of POST /orders. Class is matched
// case-insensitively.
type CreateOrderRequest struct {
	Class string `json:"class" validate:"required,oneof=VIP NORMAL"`
}

// HistoryQuery holds GET /orders/history parameters.
type HistoryQuery struct {
	Limit int `validate:"gte=0,lte=1000"`
}

type OrdersResponse struct {
	Pending   []dispatch.PendingOrder `json:"pending"`
	Completed []dispatch.Order        `json:"completed"`
}

type HistoryResponse struct {
	Orders []storage.OrderRecord `json:"orders"`
}

type BotsResponse struct {
	Bots []dispatch.Bot `json:"bots"`
	Idle int            `json:"idle"`
}

type RemoveBotResponse struct {
	ID      int  `json:"id,omitzero"`
	Removed bool `json:"removed"`
}

type HealthResponse struct {
	Status     string         `json:"status"`
	Running    bool           `json:"running"`
	Supervisor rtsup.Snapshot `json:"supervisor"`
}

type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   []string `json:"details,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}
