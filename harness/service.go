package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"plugin-rpc/message"
	"plugin-rpc/middleware"
	"plugin-rpc/server"
)

// ErrNotImplemented is returned for methods with neither a handler nor a
// canned response.
var ErrNotImplemented = errors.New("not implemented")

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCannedDir serves unknown methods from files named after the method,
// each holding the JSON result.
func WithCannedDir(dir string) ServiceOption {
	return func(s *Service) { s.cannedDir = dir }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithServiceMiddleware wraps every serviced request.
func WithServiceMiddleware(mws ...middleware.Middleware) ServiceOption {
	return func(s *Service) { s.middlewares = append(s.middlewares, mws...) }
}

// Service stands in for the host daemon: it answers what the plugin asks
// over its RPC socket, and the requests and notifications the plugin writes
// to stdout.
type Service struct {
	registry    *server.Registry
	dispatcher  *server.Dispatcher
	cannedDir   string
	logger      *zap.Logger
	middlewares []middleware.Middleware
}

// NewService returns a service with no handlers.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{registry: server.NewRegistry(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = server.NewDispatcher(s.registry,
		server.WithOwner(s),
		server.WithLogger(s.logger),
		server.WithFallback(s.fallback))
	for _, mw := range s.middlewares {
		s.dispatcher.Use(mw)
	}
	return s
}

// Handle registers h for method, both as a request handler and for
// notifications of the same name.
func (s *Service) Handle(method string, params []server.ParamSpec, h server.Handler) error {
	if err := s.registry.AddMethod(method, params, h); err != nil {
		return err
	}
	return s.registry.AddSubscription(method, params, func(args *server.Args) error {
		_, err := h(args)
		return err
	})
}

// Canned returns the canned result for method.
func (s *Service) Canned(method string) (json.RawMessage, error) {
	if s.cannedDir == "" || method == "" || method == "." || method == ".." || strings.ContainsAny(method, `/\`) {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, method)
	}
	data, err := os.ReadFile(filepath.Join(s.cannedDir, method))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, method)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("canned response for %s is not valid JSON", method)
	}
	return json.RawMessage(data), nil
}

func (s *Service) fallback(method string) (json.RawMessage, bool, error) {
	result, err := s.Canned(method)
	if errors.Is(err, ErrNotImplemented) {
		return nil, false, message.NewError(message.CodeMethodNotFound, err.Error(), nil)
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// Serve answers one request on ep.
func (s *Service) Serve(ctx context.Context, ep server.Responder, req *message.Message) error {
	return s.dispatcher.HandleRequest(ctx, ep, req)
}

// Notify runs the handler for a notification. It reports false when nothing
// handles the method.
func (s *Service) Notify(ctx context.Context, note *message.Message) bool {
	if _, ok := s.registry.Subscription(note.Method); !ok {
		return false
	}
	s.dispatcher.HandleNotification(ctx, note)
	return true
}

// NewPayService returns the minimal service the pay plugin needs: log lines
// are printed to out as "level: message".
func NewPayService(out io.Writer, opts ...ServiceOption) *Service {
	s := NewService(opts...)
	_ = s.Handle("log", []server.ParamSpec{server.Param("level"), server.Param("message")},
		func(args *server.Args) (any, error) {
			level, err := args.String("level")
			if err != nil {
				return nil, err
			}
			msg, err := args.String("message")
			if err != nil {
				return nil, err
			}
			_, err = fmt.Fprintf(out, "%s: %s\n", level, msg)
			return nil, err
		})
	return s
}
