// Command hello-plugin is a small plugin showing the plugin package: a
// method, an asynchronous method, a hook, a subscription and an option.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"plugin-rpc/amount"
	"plugin-rpc/plugin"
	"plugin-rpc/server"
)

func main() {
	p := plugin.New()
	log := p.Logger()
	restore := p.RedirectStdLog()
	defer restore()

	must(p.AddOption("greeting", "Hello", "The greeting hello uses"))

	must(p.AddMethod("hello", []server.ParamSpec{server.Optional("name", "world"), server.InjectOwner("plugin")},
		func(args *server.Args) (any, error) {
			name, err := args.String("name")
			if err != nil {
				return nil, err
			}
			greeting, err := args.Owner().(*plugin.Plugin).Option("greeting")
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%v %s", greeting, name), nil
		},
		server.WithDescription("Greet someone"),
		server.WithLongDescription("Says the configured greeting to name, or to the world.")))

	must(p.AddMethod("fee", []server.ParamSpec{server.Msat("amount"), server.OptionalMsat("base", 1000)},
		func(args *server.Args) (any, error) {
			amt, err := args.Msat("amount")
			if err != nil {
				return nil, err
			}
			base, err := args.Msat("base")
			if err != nil {
				return nil, err
			}
			return map[string]amount.Msat{"fee": base + amt/1000}, nil
		},
		server.WithDescription("Fee for forwarding amount at 1000ppm plus base")))

	must(p.AddAsyncMethod("later", []server.ParamSpec{server.Optional("seconds", 1), server.InjectCall("request")},
		func(args *server.Args) (any, error) {
			secs, err := args.Int("seconds")
			if err != nil {
				return nil, err
			}
			call := args.Call()
			time.AfterFunc(time.Duration(secs)*time.Second, func() {
				if err := call.SetResult(map[string]int64{"waited": secs}); err != nil {
					log.Warn("could not answer later", zap.Error(err))
				}
			})
			return nil, nil
		},
		server.WithDescription("Answer after a delay")))

	must(p.AddHook("peer_connected", []server.ParamSpec{server.KwArgs("payload")},
		func(args *server.Args) (any, error) {
			log.Info("peer connected", zap.Int("fields", len(args.Extra())))
			return map[string]string{"result": "continue"}, nil
		}))

	must(p.AddSubscription("connect", []server.ParamSpec{server.Param("id"), server.KwArgs("rest")},
		func(args *server.Args) error {
			id, err := args.String("id")
			log.Info("connect notification", zap.String("peer", id))
			return err
		}))

	must(p.OnInit(func(p *plugin.Plugin, cfg plugin.Configuration) (any, error) {
		log.Info("initialized", zap.String("network", cfg.Network), zap.String("rpc", cfg.RPCPath()))
		return nil, nil
	}))

	if err := p.Run(context.Background()); err != nil {
		log.Error("plugin stopped", zap.Error(err))
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
