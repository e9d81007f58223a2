// Package app wires the node together: config, ledger, libp2p transport,
// dispatch engine, call manager and the HTTP surface.
package app

import (
	"context"
	"log"
	"time"

	"github.com/lumenassist/lumen/internal/call"
	"github.com/lumenassist/lumen/internal/config"
	"github.com/lumenassist/lumen/internal/dispatch"
	"github.com/lumenassist/lumen/internal/httpapi"
	"github.com/lumenassist/lumen/internal/p2p"
	"github.com/lumenassist/lumen/internal/store"
	"github.com/lumenassist/lumen/internal/util"

	"github.com/pion/webrtc/v4"
)

type Options struct {
	// NodeDir is the node's home directory; relative config paths resolve
	// against it.
	NodeDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts every subsystem and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	db, err := store.Open(util.ResolvePath(opt.NodeDir, cfg.Store.Dir))
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("Ledger: %s", db.Path())

	node, err := p2p.New(ctx, cfg.P2P.ListenPort, util.ResolvePath(opt.NodeDir, cfg.Identity.KeyFile))
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("Node ID: %s", node.ID())

	if len(cfg.P2P.BootstrapPeers) > 0 {
		node.Bootstrap(ctx, cfg.P2P.BootstrapPeers)
	}

	engine := dispatch.New(db, time.Duration(cfg.Dispatch.ResponseTimeoutSec)*time.Second)
	defer engine.Close()

	mgr := call.New(node, node.ID(), CallPolicy(cfg.Call))
	defer mgr.Close()

	// Hot reload: edits to the call section of the config file apply to
	// sessions started afterwards.
	watcher, err := config.Watch(opt.CfgPath, func(c config.Call) {
		mgr.SetPolicy(CallPolicy(c))
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	srv := httpapi.New(httpapi.Deps{
		Store:     db,
		Engine:    engine,
		Calls:     mgr,
		Transport: node,
		SelfID:    node.ID(),
	})
	return srv.Serve(ctx, cfg.HTTP.Addr)
}

// CallPolicy converts the config surface into the call package's policy.
func CallPolicy(c config.Call) call.Policy {
	p := call.DefaultPolicy()

	if len(c.ICEServers) > 0 {
		p.ICEServers = make([]webrtc.ICEServer, 0, len(c.ICEServers))
		for _, s := range c.ICEServers {
			p.ICEServers = append(p.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	if c.MaxReconnectAttempts > 0 {
		p.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	if len(c.ReconnectBackoffSec) > 0 {
		p.ReconnectBackoff = make([]time.Duration, 0, len(c.ReconnectBackoffSec))
		for _, sec := range c.ReconnectBackoffSec {
			p.ReconnectBackoff = append(p.ReconnectBackoff, time.Duration(sec)*time.Second)
		}
	}
	if c.DisconnectedTimeoutSec > 0 {
		p.ICEDisconnectedTimeout = time.Duration(c.DisconnectedTimeoutSec) * time.Second
	}
	if c.FailedTimeoutSec > 0 {
		p.ICEFailedTimeout = time.Duration(c.FailedTimeoutSec) * time.Second
	}
	return p
}
