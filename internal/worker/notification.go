package worker

import (
	"fmt"

	"fluxbus/internal/domain"
	"fluxbus/internal/rpc"
)

func init() {
	rpc.RegisterTransferHandler(notificationHandler{})
}

// notificationHandler keeps domain.Notification values typed across
// transports that decode into plain maps.
type notificationHandler struct{}

func (notificationHandler) Name() string { return "notification" }

func (notificationHandler) CanHandle(v any) bool {
	_, ok := v.(domain.Notification)
	return ok
}

func (notificationHandler) Serialize(_ *rpc.Conn, v any) (any, error) {
	return v, nil
}

func (notificationHandler) Deserialize(_ *rpc.Conn, data any) (any, error) {
	switch d := data.(type) {
	case domain.Notification:
		return d, nil
	case map[string]any:
		return NotificationFromMap(d)
	default:
		return nil, fmt.Errorf("notification: unexpected %T", data)
	}
}

// NotificationFromMap rebuilds a notification decoded from JSON.
func NotificationFromMap(m map[string]any) (domain.Notification, error) {
	handle, _ := m["handle"].(string)
	kind, _ := m["kind"].(string)
	n := domain.Notification{
		Handle: handle,
		Kind:   domain.Kind(kind),
		Value:  m["value"],
		Error:  m["error"],
	}
	if handle == "" || !n.Kind.Valid() {
		return domain.Notification{}, fmt.Errorf("malformed notification %v", m)
	}
	return n, nil
}
