package worker

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/log"
)

// Worker computes the response to one request.
type Worker interface {
	Respond(ctx context.Context, request any) (any, error)
}

// HandlerFunc is a function implementing Worker.
type HandlerFunc func(ctx context.Context, request any) (any, error)

func (h HandlerFunc) Respond(ctx context.Context, request any) (any, error) {
	return h(ctx, request)
}

// Echo responds with the request itself.
var Echo Worker = HandlerFunc(func(_ context.Context, request any) (any, error) {
	return request, nil
})

// Factory picks the Worker for a request.
type Factory interface {
	WorkerFor(request any) Worker
}

/*
FactoryBuilder maps concrete request types to handlers.

	b := worker.NewFactoryBuilder()
	err := worker.HandleType(b, func(ctx context.Context, r *Query) (any, error) { ... })
	factory := b.Build()

Requests without a handler go to the default handler, or are echoed if there is none.
*/
type FactoryBuilder struct {
	handlers map[reflect.Type]HandlerFunc
	def      HandlerFunc
}

func NewFactoryBuilder() *FactoryBuilder {
	return &FactoryBuilder{handlers: make(map[reflect.Type]HandlerFunc)}
}

func (b *FactoryBuilder) register(t reflect.Type, h HandlerFunc) error {
	if h == nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "handle", "nil handler")
	}
	if _, ok := b.handlers[t]; ok {
		log.Log(log.LOGLEVEL_WARNINGS, "Trying to register a second handler for", t)
		return clustermq.NewError(clustermq.ErrInvalidArgument, "handle",
			fmt.Sprintf("handler for %s already registered", t))
	}
	log.Log(log.LOGLEVEL_INFO, "Registered handler for", t)
	b.handlers[t] = h
	return nil
}

// Handle registers h for requests of the dynamic type of sample.
func (b *FactoryBuilder) Handle(sample any, h HandlerFunc) error {
	if sample == nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "handle", "nil sample")
	}
	return b.register(reflect.TypeOf(sample), h)
}

// HandleType registers h for requests of type T.
func HandleType[T any](b *FactoryBuilder, h func(ctx context.Context, request T) (any, error)) error {
	if h == nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "handle", "nil handler")
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Interface {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "handle",
			fmt.Sprintf("%s is an interface; handlers are matched by concrete type", t))
	}
	return b.register(t, func(ctx context.Context, request any) (any, error) {
		return h(ctx, request.(T))
	})
}

// Default sets the handler for requests without a type-specific handler. It can be set once.
func (b *FactoryBuilder) Default(h HandlerFunc) error {
	if h == nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "default handler", "nil handler")
	}
	if b.def != nil {
		return clustermq.NewError(clustermq.ErrInvalidArgument, "default handler", "already set")
	}
	b.def = h
	return nil
}

// Build returns a Factory; later changes to the builder do not affect it.
func (b *FactoryBuilder) Build() Factory {
	f := &factory{handlers: make(map[reflect.Type]HandlerFunc, len(b.handlers)), def: Echo}
	for t, h := range b.handlers {
		f.handlers[t] = h
	}
	if b.def != nil {
		f.def = b.def
	}
	return f
}

type factory struct {
	handlers map[reflect.Type]HandlerFunc
	def      Worker
}

func (f *factory) WorkerFor(request any) Worker {
	if request != nil {
		if h, ok := f.handlers[reflect.TypeOf(request)]; ok {
			return h
		}
	}
	return f.def
}
