package modem

import (
	"errors"
	"fmt"
	"strings"

	"i4.energy/across/cellmodem/at"
)

// NotificationHandler receives the payload of an unsolicited line: the text
// after the prefix with leading blanks and the line terminator removed.
//
// Handlers run on the reader loop and stall all further reading while they
// execute. They must not block and must not issue commands.
type NotificationHandler func(payload string)

// Notification is one entry of the dispatch table.
type Notification struct {
	// Prefix is the notification name without separator, e.g. "+CEREG".
	Prefix  string
	Handler NotificationHandler
	// ReplyFieldThreshold is set for prefixes the modem also uses for the
	// reply to a query. A line with more fields than the threshold is that
	// reply and goes to the command in flight. Zero disables the check.
	ReplyFieldThreshold int
}

// NotificationOption customizes a registration.
type NotificationOption func(*Notification)

// WithReplyFieldThreshold marks the prefix as shared with a command reply.
// "+CSCON" with threshold 1 dispatches "+CSCON: 1" and forwards the
// "+CSCON: 0,1" reply to AT+CSCON?.
func WithReplyFieldThreshold(n int) NotificationOption {
	return func(e *Notification) {
		e.ReplyFieldThreshold = n
	}
}

// RegisterNotification adds prefix to the dispatch table. The table is
// static once Loop runs; registering afterwards fails.
func (m *Modem) RegisterNotification(prefix string, handler NotificationHandler, opts ...NotificationOption) error {
	if m.loopRunning.Load() {
		return ErrLoopRunning
	}
	key := strings.TrimSuffix(strings.TrimSpace(prefix), at.ReplySep)
	if key == "" || handler == nil {
		return errors.New("notification needs a prefix and a handler")
	}
	if _, dup := m.notifications[key]; dup {
		return fmt.Errorf("notification %s already registered", key)
	}

	n := &Notification{Prefix: key, Handler: handler}
	for _, opt := range opts {
		opt(n)
	}
	m.notifications[key] = n
	return nil
}

// lookupNotification finds the entry for line. The payload is returned
// with the entry.
func (m *Modem) lookupNotification(line []byte) (*Notification, string, bool) {
	key, payload, ok := at.SplitNotification(line)
	if !ok {
		return nil, "", false
	}
	n, ok := m.notifications[key]
	if !ok {
		return nil, "", false
	}
	return n, payload, true
}

// isSolicitedReply decides whether a line carrying a registered prefix is
// actually the synchronous reply to a query. The modem uses the same
// prefix for both and the field count is the only distinguishing mark.
func isSolicitedReply(n *Notification, payload string) bool {
	if n.ReplyFieldThreshold <= 0 {
		return false
	}
	return len(strings.Split(payload, at.FieldSep)) > n.ReplyFieldThreshold
}

// dispatch runs the handler, containing a panic so that one faulty handler
// cannot take the reader down.
func (m *Modem) dispatch(n *Notification, payload string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Notification handler panicked", "prefix", n.Prefix, "payload", payload, "panic", r)
		}
	}()
	m.logger.Debug("Notification", "prefix", n.Prefix, "payload", payload)
	m.metrics.notificationDispatched(n.Prefix)
	n.Handler(payload)
}
