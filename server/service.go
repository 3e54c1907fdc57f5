package server

import (
	"errors"
	"fmt"
	"strings"
)

// ParamKind says how a declared parameter is filled.
type ParamKind uint8

const (
	// ParamWire is filled from the request parameters.
	ParamWire ParamKind = iota
	// ParamInjectCall receives the *Call being dispatched.
	ParamInjectCall
	// ParamInjectOwner receives the dispatcher's owner (the plugin).
	ParamInjectOwner
	// ParamVarArgs collects surplus positional parameters.
	ParamVarArgs
	// ParamKwArgs collects keyword parameters no other entry matched.
	ParamKwArgs
)

// ParamSpec declares one handler parameter. Handlers declare their
// parameters up front; binding consults this list instead of inspecting the
// handler.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
	Default  any
	// Msat coerces the wire value, integer or unit-suffixed string, into an
	// amount.Msat.
	Msat bool
}

// Param declares a required parameter.
func Param(name string) ParamSpec {
	return ParamSpec{Name: name, Required: true}
}

// Optional declares a parameter that falls back to def when omitted.
func Optional(name string, def any) ParamSpec {
	return ParamSpec{Name: name, Default: def}
}

// Msat declares a required millisatoshi parameter.
func Msat(name string) ParamSpec {
	return ParamSpec{Name: name, Required: true, Msat: true}
}

// OptionalMsat declares an optional millisatoshi parameter.
func OptionalMsat(name string, def any) ParamSpec {
	return ParamSpec{Name: name, Default: def, Msat: true}
}

// InjectCall declares a parameter receiving the *Call.
func InjectCall(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamInjectCall}
}

// InjectOwner declares a parameter receiving the dispatcher owner.
func InjectOwner(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamInjectOwner}
}

// VarArgs declares the positional catch-all.
func VarArgs(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamVarArgs}
}

// KwArgs declares the keyword catch-all.
func KwArgs(name string) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamKwArgs}
}

func (p ParamSpec) injected() bool {
	return p.Kind == ParamInjectCall || p.Kind == ParamInjectOwner
}

// MethodKind separates caller-issued methods from host lifecycle hooks.
type MethodKind uint8

const (
	KindCall MethodKind = iota
	KindHook
)

func (k MethodKind) String() string {
	if k == KindHook {
		return "hook"
	}
	return "call"
}

// Completion says who writes the response.
type Completion uint8

const (
	// Immediate methods answer with the handler's return value.
	Immediate Completion = iota
	// Deferred methods answer later through Call.SetResult or Call.SetError.
	Deferred
)

// Handler runs a method. For Deferred methods the return value is ignored;
// a non-nil error still fails the call if it has not been completed yet.
type Handler func(args *Args) (any, error)

// NotificationHandler runs a subscription.
type NotificationHandler func(args *Args) error

// MethodDescriptor is a registered method or hook.
type MethodDescriptor struct {
	Name            string
	Params          []ParamSpec
	Handler         Handler
	Kind            MethodKind
	Completion      Completion
	Description     string
	LongDescription string
}

// MethodOption adjusts a descriptor at registration.
type MethodOption func(*MethodDescriptor)

// WithDeferred marks the method as completing through its Call.
func WithDeferred() MethodOption {
	return func(d *MethodDescriptor) { d.Completion = Deferred }
}

// WithDescription sets the one-line description reported in the manifest.
func WithDescription(s string) MethodOption {
	return func(d *MethodDescriptor) { d.Description = s }
}

// WithLongDescription sets the long description reported in the manifest.
func WithLongDescription(s string) MethodOption {
	return func(d *MethodDescriptor) { d.LongDescription = s }
}

// Usage renders the parameter list the way `help` shows it: required
// parameters bare, optional ones in brackets, injected ones hidden.
func (d *MethodDescriptor) Usage() string {
	parts := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		if p.Kind != ParamWire {
			continue
		}
		if p.Required {
			parts = append(parts, p.Name)
		} else {
			parts = append(parts, "["+p.Name+"]")
		}
	}
	return strings.Join(parts, " ")
}

func (d *MethodDescriptor) hasInjectedCall() bool {
	for _, p := range d.Params {
		if p.Kind == ParamInjectCall {
			return true
		}
	}
	return false
}

// SubscriptionDescriptor is a registered notification handler.
type SubscriptionDescriptor struct {
	Topic   string
	Params  []ParamSpec
	Handler NotificationHandler
}

var (
	// ErrDuplicate is returned when a method, hook or topic name is taken.
	ErrDuplicate = errors.New("server: name already registered")
	// ErrInvalidDescriptor is returned for descriptors that could never bind.
	ErrInvalidDescriptor = errors.New("server: invalid descriptor")
)

func validateParams(params []ParamSpec) error {
	seen := make(map[string]bool, len(params))
	var varargs, kwargs int
	for _, p := range params {
		if p.Name == "" {
			return fmt.Errorf("%w: unnamed parameter", ErrInvalidDescriptor)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: parameter %q declared twice", ErrInvalidDescriptor, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case ParamVarArgs:
			varargs++
		case ParamKwArgs:
			kwargs++
		}
	}
	if varargs > 1 || kwargs > 1 {
		return fmt.Errorf("%w: at most one catch-all of each kind", ErrInvalidDescriptor)
	}
	return nil
}

// Registry maps method names and notification topics to their descriptors.
// Registration happens before the handshake; afterwards the registry is only
// read.
type Registry struct {
	methods       map[string]*MethodDescriptor
	order         []string
	subscriptions map[string]*SubscriptionDescriptor
	topics        []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:       make(map[string]*MethodDescriptor),
		subscriptions: make(map[string]*SubscriptionDescriptor),
	}
}

// Register adds a descriptor. Methods and hooks share one namespace; a name
// that is already taken fails and leaves the earlier registration intact.
func (r *Registry) Register(d *MethodDescriptor) error {
	if d.Name == "" || d.Handler == nil {
		return fmt.Errorf("%w: method needs a name and a handler", ErrInvalidDescriptor)
	}
	if _, ok := r.methods[d.Name]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, d.Kind, d.Name)
	}
	if err := validateParams(d.Params); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	if d.Completion == Deferred && !d.hasInjectedCall() {
		return fmt.Errorf("%w: deferred %q must declare an injected call to complete", ErrInvalidDescriptor, d.Name)
	}
	r.methods[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// AddMethod registers an RPC method.
func (r *Registry) AddMethod(name string, params []ParamSpec, h Handler, opts ...MethodOption) error {
	return r.Register(newDescriptor(name, params, h, KindCall, opts))
}

// AddHook registers a hook.
func (r *Registry) AddHook(name string, params []ParamSpec, h Handler, opts ...MethodOption) error {
	return r.Register(newDescriptor(name, params, h, KindHook, opts))
}

func newDescriptor(name string, params []ParamSpec, h Handler, kind MethodKind, opts []MethodOption) *MethodDescriptor {
	d := &MethodDescriptor{Name: name, Params: params, Handler: h, Kind: kind}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddSubscription registers the handler for a notification topic. Each topic
// has at most one handler.
func (r *Registry) AddSubscription(topic string, params []ParamSpec, h NotificationHandler) error {
	if topic == "" || h == nil {
		return fmt.Errorf("%w: subscription needs a topic and a handler", ErrInvalidDescriptor)
	}
	if _, ok := r.subscriptions[topic]; ok {
		return fmt.Errorf("%w: topic %q", ErrDuplicate, topic)
	}
	if err := validateParams(params); err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}
	r.subscriptions[topic] = &SubscriptionDescriptor{Topic: topic, Params: params, Handler: h}
	r.topics = append(r.topics, topic)
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*MethodDescriptor, bool) {
	d, ok := r.methods[name]
	return d, ok
}

// Subscription returns the handler registered for topic.
func (r *Registry) Subscription(topic string) (*SubscriptionDescriptor, bool) {
	s, ok := r.subscriptions[topic]
	return s, ok
}

// Methods returns all methods and hooks in registration order.
func (r *Registry) Methods() []*MethodDescriptor {
	out := make([]*MethodDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.methods[name])
	}
	return out
}

// Subscriptions returns all subscriptions in registration order.
func (r *Registry) Subscriptions() []*SubscriptionDescriptor {
	out := make([]*SubscriptionDescriptor, 0, len(r.topics))
	for _, topic := range r.topics {
		out = append(out, r.subscriptions[topic])
	}
	return out
}
