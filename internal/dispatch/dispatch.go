package dispatch

import (
	"errors"

	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/phuslu/log"
)

// Handler consumes one decoded frame. from is the server-side slot id the
// frame arrived on; clients pass 0. f.Body is the concrete payload for the
// kind the handler registered under, so a type assertion on it cannot fail.
type Handler func(from int, f *protocol.Frame)

// Dispatcher decodes raw frames into typed payloads and hands them to the
// handler registered for their kind. used identically by client and server.
// events raised: exactly one handler call per successfully decoded frame.
// kinds without a handler are ignored, which is also how unexpected protocol
// states (e.g. ready before join) stay non-fatal.
type Dispatcher struct {
	logger   *log.Logger
	handlers map[protocol.MsgType]Handler
}

func NewDispatcher(logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   netconn.SilencedLogger(logger),
		handlers: make(map[protocol.MsgType]Handler),
	}
}

// Handle registers h for kind t, replacing any previous registration.
func (d *Dispatcher) Handle(t protocol.MsgType, h Handler) {
	d.handlers[t] = h
}

// Dispatch decodes data and raises the matching handler. a decode failure is
// a recoverable per-packet condition: it is logged and reported, never
// panicked, and must not tear down the connection the frame arrived on.
func (d *Dispatcher) Dispatch(from int, data []byte) error {
	frame := protocol.Frame{}
	if err := frame.UnmarshalBinary(data); err != nil {
		if errors.Is(err, protocol.ErrMalformedPacket) {
			d.logger.Warn().
				Int("from", from).
				Int("size", len(data)).
				Msgf("dropping malformed frame: %v", err)
		} else {
			d.logger.Error().
				Int("from", from).
				Msgf("could not decode frame: %v", err)
		}
		return err
	}

	handler, ok := d.handlers[frame.Type()]
	if !ok {
		d.logger.Debug().
			Int("from", from).
			Str("type", frame.Type().String()).
			Msg("no handler, ignoring frame")
		return nil
	}

	handler(from, &frame)
	return nil
}
