package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"plugin-rpc/amount"
)

// BindingError reports wire parameters that do not fit a declaration.
type BindingError struct {
	Method string
	Reason string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Reason)
}

// Args holds the bound parameters of one dispatch. Wire values stay as raw
// JSON until a typed accessor asks for them; coerced amounts, defaults and
// injected values are stored as-is.
type Args struct {
	values map[string]any
	call   *Call
	owner  any
	rest   []json.RawMessage
	extra  map[string]json.RawMessage
}

// Has reports whether name was bound, from the wire or from a default.
func (a *Args) Has(name string) bool {
	v, ok := a.values[name]
	return ok && v != nil
}

// Value returns the bound value of name.
func (a *Args) Value(name string) any {
	return a.values[name]
}

// Raw returns the wire value of name, or nil when it came from elsewhere.
func (a *Args) Raw(name string) json.RawMessage {
	raw, _ := a.values[name].(json.RawMessage)
	return raw
}

// Decode unmarshals the value bound to name into v.
func (a *Args) Decode(name string, v any) error {
	val, ok := a.values[name]
	if !ok || val == nil {
		return fmt.Errorf("parameter %q not given", name)
	}
	raw, ok := val.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(val); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	return nil
}

// Int returns name as an integer.
func (a *Args) Int(name string) (int64, error) {
	var n int64
	err := a.Decode(name, &n)
	return n, err
}

// Float returns name as a float.
func (a *Args) Float(name string) (float64, error) {
	var f float64
	err := a.Decode(name, &f)
	return f, err
}

// String returns name as a string.
func (a *Args) String(name string) (string, error) {
	var s string
	err := a.Decode(name, &s)
	return s, err
}

// Bool returns name as a bool.
func (a *Args) Bool(name string) (bool, error) {
	var b bool
	err := a.Decode(name, &b)
	return b, err
}

// Msat returns name as a millisatoshi amount.
func (a *Args) Msat(name string) (amount.Msat, error) {
	if m, ok := a.values[name].(amount.Msat); ok {
		return m, nil
	}
	var m amount.Msat
	err := a.Decode(name, &m)
	return m, err
}

// Call returns the injected call, or nil when the method declared none.
func (a *Args) Call() *Call { return a.call }

// Owner returns the injected owner, or nil when the method declared none.
func (a *Args) Owner() any { return a.owner }

// Rest returns the surplus positional parameters.
func (a *Args) Rest() []json.RawMessage { return a.rest }

// Extra returns the keyword parameters collected by the catch-all.
func (a *Args) Extra() map[string]json.RawMessage { return a.extra }

// bind maps raw params onto the declared parameters. An ordered sequence
// binds positionally, a mapping by name; absent or null params bind as an
// empty mapping.
func bind(method string, specs []ParamSpec, params json.RawMessage, call *Call, owner any) (*Args, error) {
	args := &Args{values: make(map[string]any, len(specs))}
	for _, p := range specs {
		switch p.Kind {
		case ParamInjectCall:
			args.values[p.Name] = call
			args.call = call
		case ParamInjectOwner:
			args.values[p.Name] = owner
			args.owner = owner
		}
	}

	trimmed := bytes.TrimSpace(params)
	switch {
	case len(trimmed) == 0 || string(trimmed) == "null":
		return args, bindNamed(method, specs, nil, args)
	case trimmed[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, &BindingError{Method: method, Reason: err.Error()}
		}
		return args, bindPositional(method, specs, list, args)
	case trimmed[0] == '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return nil, &BindingError{Method: method, Reason: err.Error()}
		}
		return args, bindNamed(method, specs, named, args)
	}
	return nil, &BindingError{Method: method, Reason: "parameters must be an array or an object"}
}

func bindPositional(method string, specs []ParamSpec, list []json.RawMessage, args *Args) error {
	pos := 0
	hasVarArgs := false
	for _, p := range specs {
		switch p.Kind {
		case ParamVarArgs:
			hasVarArgs = true
			continue
		case ParamWire:
		default:
			// Injected and keyword catch-all entries take no wire position.
			continue
		}

		// null stands in for an omitted optional parameter but is a value for
		// a required one.
		if pos < len(list) && (p.Required || !isNull(list[pos])) {
			if err := assign(method, p, list[pos], args); err != nil {
				return err
			}
		} else if err := fillDefault(method, p, args); err != nil {
			return err
		}
		pos++
	}

	if pos < len(list) {
		if !hasVarArgs {
			return &BindingError{Method: method, Reason: fmt.Sprintf("too many parameters: got %d, expected at most %d", len(list), pos)}
		}
		args.rest = list[pos:]
	}
	for _, p := range specs {
		if p.Kind == ParamVarArgs {
			args.values[p.Name] = args.rest
		}
	}
	return nil
}

func bindNamed(method string, specs []ParamSpec, named map[string]json.RawMessage, args *Args) error {
	byName := make(map[string]ParamSpec, len(specs))
	var kwargs *ParamSpec
	for i, p := range specs {
		byName[p.Name] = p
		if p.Kind == ParamKwArgs {
			kwargs = &specs[i]
		}
	}

	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var unexpected []string
	for _, k := range keys {
		v := named[k]
		p, ok := byName[k]
		switch {
		case ok && p.Kind == ParamWire:
			if isNull(v) && !p.Required {
				continue
			}
			if err := assign(method, p, v, args); err != nil {
				return err
			}
		case ok && p.injected():
			// Injected values win over anything on the wire.
		case kwargs != nil:
			if args.extra == nil {
				args.extra = make(map[string]json.RawMessage)
			}
			args.extra[k] = v
		default:
			unexpected = append(unexpected, k)
		}
	}
	if len(unexpected) > 0 {
		return &BindingError{Method: method, Reason: "unexpected argument(s): " + strings.Join(unexpected, ", ")}
	}
	if kwargs != nil {
		args.values[kwargs.Name] = args.extra
	}

	var missing []string
	for _, p := range specs {
		if p.Kind != ParamWire {
			continue
		}
		if _, ok := args.values[p.Name]; ok {
			continue
		}
		if p.Required {
			missing = append(missing, p.Name)
			continue
		}
		args.values[p.Name] = p.Default
	}
	if len(missing) > 0 {
		return &BindingError{Method: method, Reason: "missing required parameter(s): " + strings.Join(missing, ", ")}
	}
	return nil
}

func fillDefault(method string, p ParamSpec, args *Args) error {
	if p.Required {
		return &BindingError{Method: method, Reason: "missing required parameter: " + p.Name}
	}
	args.values[p.Name] = p.Default
	return nil
}

func assign(method string, p ParamSpec, raw json.RawMessage, args *Args) error {
	if !p.Msat || isNull(raw) {
		args.values[p.Name] = raw
		return nil
	}
	m, err := amount.FromJSON(raw)
	if err != nil {
		return &BindingError{Method: method, Reason: fmt.Sprintf("parameter %s: %v", p.Name, err)}
	}
	args.values[p.Name] = m
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
