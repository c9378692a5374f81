package ws

import (
	"context"

	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// Dispatcher доставляет уведомления фрилансеру через WebSocket.
type Dispatcher struct {
	hub *Hub
}

// NewDispatcher создаёт WebSocket-канал доставки уведомлений.
func NewDispatcher(hub *Hub) *Dispatcher {
	return &Dispatcher{hub: hub}
}

// Name возвращает имя канала.
func (d *Dispatcher) Name() string { return "websocket" }

// Send отправляет сообщение в открытые подключения пользователя.
// Сообщения без UserID адресованы клиенту договора и через WebSocket не
// доставляются.
func (d *Dispatcher) Send(ctx context.Context, msg service.Message) error {
	if msg.UserID == nil {
		return nil
	}
	return d.hub.BroadcastToUser(*msg.UserID, "notification", map[string]string{
		"subject": msg.Subject,
		"body":    msg.Body,
	})
}
