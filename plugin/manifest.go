package plugin

import (
	"go.uber.org/zap"

	"plugin-rpc/server"
)

const undocumented = "Undocumented RPC method from a plugin."

// Manifest is the getmanifest response.
type Manifest struct {
	Options       []*Option        `json:"options"`
	RPCMethods    []ManifestMethod `json:"rpcmethods"`
	Subscriptions []string         `json:"subscriptions"`
	Hooks         []string         `json:"hooks"`
}

// ManifestMethod describes one RPC method to the host.
type ManifestMethod struct {
	Name            string `json:"name"`
	Usage           string `json:"usage"`
	Description     string `json:"description"`
	LongDescription string `json:"long_description,omitempty"`
}

func (p *Plugin) manifest() *Manifest {
	m := &Manifest{
		Options:       make([]*Option, 0, len(p.optionOrder)),
		RPCMethods:    []ManifestMethod{},
		Subscriptions: []string{},
		Hooks:         []string{},
	}
	for _, name := range p.optionOrder {
		m.Options = append(m.Options, p.options[name])
	}
	for _, d := range p.registry.Methods() {
		if d.Kind == server.KindHook {
			m.Hooks = append(m.Hooks, d.Name)
			continue
		}
		desc := d.Description
		if desc == "" {
			p.logger.Warn("RPC method has no description", zap.String("method", d.Name))
			desc = undocumented
		}
		m.RPCMethods = append(m.RPCMethods, ManifestMethod{
			Name:            d.Name,
			Usage:           d.Usage(),
			Description:     desc,
			LongDescription: d.LongDescription,
		})
	}
	for _, s := range p.registry.Subscriptions() {
		m.Subscriptions = append(m.Subscriptions, s.Topic)
	}
	return m
}
