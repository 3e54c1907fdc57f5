package plugin

import (
	"encoding/json"
	"path/filepath"
	"reflect"
)

// Option is a startup option the plugin registers with its host. Its value
// is set at most once, from the options mapping of init.
type Option struct {
	Name        string
	Default     any
	Description string
	Type        string

	value json.RawMessage
	set   bool
}

// Value returns the configured value, or the default when init left the
// option unset. A configured value has the same Go type as the default
// whenever the wire value fits it.
func (o *Option) Value() any {
	if !o.set {
		return o.Default
	}
	if o.Default != nil {
		ptr := reflect.New(reflect.TypeOf(o.Default))
		if err := json.Unmarshal(o.value, ptr.Interface()); err == nil {
			return ptr.Elem().Interface()
		}
	}
	var v any
	if err := json.Unmarshal(o.value, &v); err != nil {
		return o.Default
	}
	return v
}

// Decode unmarshals the configured value, or the default, into v.
func (o *Option) Decode(v any) error {
	raw := o.value
	if !o.set {
		var err error
		if raw, err = json.Marshal(o.Default); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}

// IsSet reports whether init supplied a value.
func (o *Option) IsSet() bool { return o.set }

func (o *Option) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name        string `json:"name"`
		Default     any    `json:"default"`
		Description string `json:"description"`
		Type        string `json:"type"`
	}{o.Name, o.Default, o.Description, o.Type})
}

func optionType(def any) string {
	switch def.(type) {
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	}
	return "string"
}

// FeatureSet holds the hex-encoded feature bits the host advertises in each
// context.
type FeatureSet struct {
	Init    string `json:"init"`
	Node    string `json:"node"`
	Channel string `json:"channel"`
	Invoice string `json:"invoice"`
}

// Configuration is the host environment delivered by init.
type Configuration struct {
	LightningDir   string     `json:"lightning-dir"`
	RPCFile        string     `json:"rpc-file"`
	Startup        bool       `json:"startup"`
	Network        string     `json:"network"`
	FeatureSet     FeatureSet `json:"feature_set"`
	AlwaysUseProxy bool       `json:"always_use_proxy"`
}

// RPCPath is the socket to dial for calls back into the host. An absolute
// rpc-file is used as it is.
func (c Configuration) RPCPath() string {
	if filepath.IsAbs(c.RPCFile) {
		return c.RPCFile
	}
	return filepath.Join(c.LightningDir, c.RPCFile)
}
