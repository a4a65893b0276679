package notify

import (
	"context"

	"dayspark/pkg/logx"
)

// LogSender writes reminders to the log. It is the default delivery channel
// when the embedding has not plugged in a real one.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, ownerID, message string) error {
	s.Log.Info("reminder", logx.String("owner", ownerID), logx.String("message", message))
	return nil
}
