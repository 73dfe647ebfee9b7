package ingest

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/fit"
)

// Handler writes one decoded message.
type Handler func(ctx context.Context, st *FileState, msg fit.Message) error

// priorityTypes are dispatched before everything else because other
// handlers depend on the file identity and primary device they establish.
var priorityTypes = []fit.MessageType{fit.FileID, fit.DeviceInfo}

// Dispatcher routes messages to handlers through an explicit registry.
type Dispatcher struct {
	handlers map[fit.MessageType]Handler
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher with an empty registry.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[fit.MessageType]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a message type, replacing any
// previous one.
func (d *Dispatcher) Register(t fit.MessageType, h Handler) {
	d.handlers[t] = h
}

// Handles reports whether a handler is registered for t.
func (d *Dispatcher) Handles(t fit.MessageType) bool {
	_, ok := d.handlers[t]
	return ok
}

// Registered returns the registered message types, sorted.
func (d *Dispatcher) Registered() []fit.MessageType {
	out := make([]fit.MessageType, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the handler for t over msgs. Types without a handler are
// logged and counted, never an error. A failing message is logged and
// skipped; only an I/O failure, a schema error or cancellation stops the
// file.
func (d *Dispatcher) Dispatch(ctx context.Context, st *FileState, t fit.MessageType, msgs []fit.Message) (Stats, error) {
	var stats Stats
	h, ok := d.handlers[t]
	if !ok {
		if t.IsKnown() {
			stats.Unhandled += len(msgs)
			d.logger.Info("unhandled message type",
				zap.String("type", string(t)), zap.Int("count", len(msgs)), zap.String("file", st.Path))
		} else {
			stats.Unknown += len(msgs)
			d.logger.Debug("unknown message type",
				zap.String("type", string(t)), zap.Int("count", len(msgs)), zap.String("file", st.Path))
		}
		return stats, nil
	}

	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		err := h(ctx, st, msg)
		for _, dr := range st.takeDropped() {
			stats.Dropped++
			d.logger.Debug("message values dropped, match key incomplete",
				zap.String("type", string(t)),
				zap.Int("index", i),
				zap.String("file", st.Path),
				zap.String("table", dr.Table),
				zap.Strings("missing", dr.Missing))
		}
		if err == nil {
			stats.Written++
			continue
		}
		if Aborts(err) {
			return stats, err
		}
		stats.Errors++
		d.logger.Warn("failed to write message",
			zap.String("type", string(t)),
			zap.Int("index", i),
			zap.String("file", st.Path),
			zap.Error(err))
	}
	return stats, nil
}

// DispatchFile dispatches every message of file, priority types first and
// the rest in order of first appearance.
func (d *Dispatcher) DispatchFile(ctx context.Context, st *FileState, file *fit.File) (Stats, error) {
	var total Stats
	byType := file.ByType()
	for _, t := range DispatchOrder(file) {
		stats, err := d.Dispatch(ctx, st, t, byType[t])
		total.Add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DispatchOrder returns the order message types of file are dispatched in.
func DispatchOrder(file *fit.File) []fit.MessageType {
	types := file.Types()
	present := make(map[fit.MessageType]bool, len(types))
	for _, t := range types {
		present[t] = true
	}

	order := make([]fit.MessageType, 0, len(types))
	for _, t := range priorityTypes {
		if present[t] {
			order = append(order, t)
		}
	}
	for _, t := range types {
		if !isPriority(t) {
			order = append(order, t)
		}
	}
	return order
}

func isPriority(t fit.MessageType) bool {
	for _, p := range priorityTypes {
		if t == p {
			return true
		}
	}
	return false
}

// Aborts reports whether err ends the whole file rather than one message.
func Aborts(err error) bool {
	return herrors.HasCode(err, herrors.CodeIOFailure) || herrors.IsFatal(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
