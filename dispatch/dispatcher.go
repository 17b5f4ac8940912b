package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-billing-events/core"
	glog "github.com/goliatone/go-logger/glog"
)

type Route struct {
	Provider  core.Provider
	EventType string
}

func (r Route) String() string {
	return string(r.Provider) + ":" + r.EventType
}

type Handler interface {
	Handle(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error)
}

type HandlerFunc func(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, tx core.Tx, event core.QueuedEvent) (core.HandlerResult, error) {
	return f(ctx, tx, event)
}

type Option func(*Dispatcher)

func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(recorder core.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.metrics = recorder
		}
	}
}

// Dispatcher maps (provider, event type) to a handler. The table is fixed
// once New returns.
type Dispatcher struct {
	routes  map[Route]Handler
	logger  core.Logger
	metrics core.MetricsRecorder
}

func New(routes map[Route]Handler, opts ...Option) (*Dispatcher, error) {
	table := make(map[Route]Handler, len(routes))
	for route, handler := range routes {
		if !route.Provider.Valid() {
			return nil, fmt.Errorf("dispatch: route %q has unknown provider", route)
		}
		route.EventType = strings.TrimSpace(route.EventType)
		if route.EventType == "" {
			return nil, fmt.Errorf("dispatch: route for %s requires an event type", route.Provider)
		}
		if handler == nil {
			return nil, fmt.Errorf("dispatch: route %q has nil handler", route)
		}
		if _, exists := table[route]; exists {
			return nil, fmt.Errorf("dispatch: route %q registered twice", route)
		}
		table[route] = handler
	}
	dispatcher := &Dispatcher{
		routes:  table,
		logger:  glog.Nop(),
		metrics: core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	return dispatcher, nil
}

// Dispatch runs the routed handler. Unrouted events succeed with a skipped
// result, and a handler panic comes back as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, tx core.Tx, event core.QueuedEvent) (result core.HandlerResult, err error) {
	route := Route{Provider: event.Provider, EventType: event.EventType}
	handler, ok := d.routes[route]
	if !ok {
		core.Log(ctx, d.logger, core.LevelInfo, "unhandled event type", core.EventFields(event))
		d.metrics.IncCounter(ctx, core.CounterName("dispatch_unhandled"), 1, map[string]string{"provider": string(event.Provider)})
		return core.HandlerResult{Skipped: true, Reason: "unhandled event type"}, nil
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.ErrHandlerPanic(event.EventType, recovered)
			fields := core.EventFields(event)
			fields["error"] = err.Error()
			core.Log(ctx, d.logger, core.LevelError, "handler panicked", fields)
			result = core.HandlerResult{}
		}
	}()
	return handler.Handle(ctx, tx, event)
}

func (d *Dispatcher) Handles(provider core.Provider, eventType string) bool {
	_, ok := d.routes[Route{Provider: provider, EventType: eventType}]
	return ok
}

func (d *Dispatcher) Routes() []Route {
	routes := make([]Route, 0, len(d.routes))
	for route := range d.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].String() < routes[j].String()
	})
	return routes
}
