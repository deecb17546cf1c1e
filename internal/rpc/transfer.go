package rpc

import (
	"fmt"
	"sync"
)

// TransferHandler decides how one family of values crosses a connection.
// Serialize turns a value into plain data, Deserialize rebuilds it on the
// other side. Handlers run on whichever goroutine encodes or decodes.
type TransferHandler interface {
	Name() string
	CanHandle(v any) bool
	Serialize(c *Conn, v any) (any, error)
	Deserialize(c *Conn, data any) (any, error)
}

var transfer = struct {
	sync.RWMutex
	handlers []TransferHandler
}{
	handlers: []TransferHandler{
		proxyHandler{},
		errorHandler{},
		streamHandler{},
		subscriptionHandler{},
	},
}

// RegisterTransferHandler adds h after the existing handlers, or replaces
// the handler of the same name.
func RegisterTransferHandler(h TransferHandler) {
	transfer.Lock()
	defer transfer.Unlock()
	for i, existing := range transfer.handlers {
		if existing.Name() == h.Name() {
			transfer.handlers[i] = h
			return
		}
	}
	transfer.handlers = append(transfer.handlers, h)
}

func handlerFor(v any) TransferHandler {
	transfer.RLock()
	defer transfer.RUnlock()
	for _, h := range transfer.handlers {
		if h.CanHandle(v) {
			return h
		}
	}
	return nil
}

func handlerNamed(name string) TransferHandler {
	transfer.RLock()
	defer transfer.RUnlock()
	for _, h := range transfer.handlers {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

func (c *Conn) encode(v any) (WireValue, error) {
	h := handlerFor(v)
	if h == nil {
		return WireValue{Value: v}, nil
	}
	data, err := h.Serialize(c, v)
	if err != nil {
		return WireValue{}, fmt.Errorf("transfer %s: %w", h.Name(), err)
	}
	return WireValue{Handler: h.Name(), Value: data}, nil
}

func (c *Conn) encodeAll(args []any) ([]WireValue, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]WireValue, len(args))
	for i, a := range args {
		w, err := c.encode(a)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func (c *Conn) decode(w WireValue) (any, error) {
	if w.Handler == "" {
		return w.Value, nil
	}
	h := handlerNamed(w.Handler)
	if h == nil {
		return nil, fmt.Errorf("no transfer handler %q", w.Handler)
	}
	return h.Deserialize(c, w.Value)
}

// proxyHandler passes Proxied objects by reference. The other built-in
// handlers for live values are expressed in terms of it.
type proxyHandler struct{}

func (proxyHandler) Name() string { return "proxy" }

func (proxyHandler) CanHandle(v any) bool {
	_, ok := v.(*Proxied)
	return ok
}

func (proxyHandler) Serialize(c *Conn, v any) (any, error) {
	return v.(*Proxied).refOn(c), nil
}

func (proxyHandler) Deserialize(c *Conn, data any) (any, error) {
	ref, ok := data.(string)
	if !ok || ref == "" {
		return nil, fmt.Errorf("bad object reference %v", data)
	}
	return &Remote{conn: c, ref: ref}, nil
}

// errorHandler sends errors as their message. They come back as *RemoteError.
type errorHandler struct{}

func (errorHandler) Name() string { return "error" }

func (errorHandler) CanHandle(v any) bool {
	_, ok := v.(error)
	return ok
}

func (errorHandler) Serialize(_ *Conn, v any) (any, error) {
	return v.(error).Error(), nil
}

func (errorHandler) Deserialize(_ *Conn, data any) (any, error) {
	return &RemoteError{Message: fmt.Sprint(data)}, nil
}
