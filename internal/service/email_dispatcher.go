package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hedwigapp/hedwig-backend/internal/logger"
)

// LogEmailDispatcher пишет исходящие письма в лог. Подключение SMTP
// сводится к замене этой реализации, интерфейс канала не меняется.
type LogEmailDispatcher struct {
	from string
}

// NewLogEmailDispatcher создаёт лог-канал почты.
func NewLogEmailDispatcher(from string) *LogEmailDispatcher {
	return &LogEmailDispatcher{from: from}
}

// Name возвращает имя канала.
func (d *LogEmailDispatcher) Name() string { return "email" }

// Send фиксирует письмо в логе.
func (d *LogEmailDispatcher) Send(ctx context.Context, msg Message) error {
	logger.Log.WithFields(logrus.Fields{
		"from":    d.from,
		"to":      msg.Recipient,
		"subject": msg.Subject,
	}).Info("email dispatcher: письмо отправлено")
	return nil
}
