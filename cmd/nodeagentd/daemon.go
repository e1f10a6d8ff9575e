/*
 * MIT License
 *
 * Copyright (c) 2026 nodeagentd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/bcast"
	"github.com/kraklabs/nodeagentd/internal/config"
	"github.com/kraklabs/nodeagentd/internal/credential"
	"github.com/kraklabs/nodeagentd/internal/launcher"
	"github.com/kraklabs/nodeagentd/internal/lifecycle"
	"github.com/kraklabs/nodeagentd/internal/metrics"
	"github.com/kraklabs/nodeagentd/internal/rpc"
	"github.com/kraklabs/nodeagentd/internal/spool"
	"github.com/kraklabs/nodeagentd/internal/uplink"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

// agentVersion is reported in every registration report.
const agentVersion = "0.1.0"

// daemon holds every long-lived subsystem, so the RPC handler methods in
// handlers.go can close over it.
type daemon struct {
	settings *config.Settings
	log      agentlog.Logger

	vault    *credential.Vault
	driver   *lifecycle.Driver
	uplink   *uplink.Client
	bcast    *bcast.Receiver
}

// runDaemon builds every subsystem from mgr's resolved settings, starts
// them through mgr, registers the node, and blocks until a shutdown
// signal arrives.
func runDaemon(mgr *config.Manager) error {
	settings := mgr.Settings()

	log, err := agentlog.New(agentlog.Config{
		Level:      logLevel(settings.LogLevel),
		JSON:       settings.LogJSON,
		FilePath:   settings.LogFile,
		SyslogAddr: settings.SyslogURL,
	})
	if err != nil {
		return fmt.Errorf("nodeagentd: building logger: %w", err)
	}

	verifier, err := verifierFromPublicKey(settings.PublicVerifierSeed)
	if err != nil {
		return err
	}

	reg := metrics.New()

	vault := credential.New(credential.Options{
		PublicVerifier: verifier,
		LocalHostname:  settings.NodeName,
		CredLifetime:   settings.CredLifetime,
		ReplayWindow:   settings.ReplayWindow,
		PersistPath:    filepath.Join(settings.SpoolDir, spool.CredStateFile),
	})
	if err := vault.Load(); err != nil {
		return fmt.Errorf("nodeagentd: loading credential vault: %w", err)
	}

	bcastReceiver := bcast.New(bcast.Options{
		Vault:        vault,
		Metrics:      reg,
		Log:          log.With(agentlog.F("component", "bcast")),
		SlurmUID:     settings.SlurmUID,
		StallTimeout: settings.BcastStallTimeout,
	})

	uplinkClient := uplink.New(uplink.Options{
		ClusterName:      settings.ClusterName,
		NodeName:         settings.NodeName,
		Log:              log.With(agentlog.F("component", "uplink")),
		WindowMsgs:       settings.AggregationWindowMsgs,
		WindowTime:       settings.AggregationWindowTime,
		CollectorSubject: settings.CollectorSubject,
		OnPing: uplink.PingHandlers{
			func(ctx context.Context) error { return bcastReceiver.GC(ctx) },
			func(_ context.Context) error { vault.GC(time.Now()); return nil },
		},
	})

	stepLauncher := launcher.New(launcher.Options{
		SupervisorBinary: settings.SupervisorBinary,
		TRES:             uplinkClient,
		Log:              log.With(agentlog.F("component", "launcher")),
	})

	driver := lifecycle.New(lifecycle.Options{
		Vault:         vault,
		Launcher:      stepLauncher,
		Prolog:        scriptRunner{path: settings.PrologPath},
		Epilog:        scriptRunner{path: settings.EpilogPath},
		Uplink:        uplinkClient,
		Log:           log.With(agentlog.F("component", "lifecycle")),
		KillWait:      settings.KillWait,
		HostCount:     settings.HostCount,
		HostIndex:     settings.HostIndex,
	})

	d := &daemon{
		settings: settings,
		log:      log,
		vault:    vault,
		driver:   driver,
		uplink:   uplinkClient,
		bcast:    bcastReceiver,
	}

	dispatcher := rpc.New(rpc.Options{
		MaxWorkers: settings.MaxThreads,
		SlurmUID:   settings.SlurmUID,
		Owner:      driver,
		Log:        log.With(agentlog.F("component", "rpc")),
		Metrics:    reg,
	})
	dispatcher.Register(wire.MsgBatchJobLaunch, rpc.Route{Handler: d.handleBatchJobLaunch, MutatesState: true, RequiresLaunchMutex: true})
	dispatcher.Register(wire.MsgLaunchTasks, rpc.Route{Handler: d.handleLaunchTasks, MutatesState: true, RequiresLaunchMutex: true})
	dispatcher.Register(wire.MsgSignalTasks, rpc.Route{Handler: d.handleSignalTasks, MutatesState: true})
	dispatcher.Register(wire.MsgSuspendInt, rpc.Route{Handler: d.handleSuspendInt, MutatesState: true})
	dispatcher.Register(wire.MsgTerminateJob, rpc.Route{Handler: d.handleTerminateJob, MutatesState: true})
	// File-broadcast blocks authorize themselves against the credential
	// they carry (vault.Verify), so they skip the dispatcher's Owns-based
	// rule rather than tripping it over a payload with no top-level JobID.
	dispatcher.Register(wire.MsgFileBcast, rpc.Route{Handler: bcastReceiver.HandleBlock})

	mgr.Register(uplinkClient)
	mgr.Register(&rpcServer{dispatcher: dispatcher})
	mgr.Register(&metricsComponent{gatherer: reg})
	mgr.Register(vaultPersister{vault: vault})

	// Published so anything holding mgr (tests, future admin hooks) can
	// reach a running subsystem without a second constructor argument.
	mgr.Context().Store("vault", vault)
	mgr.Context().Store("driver", driver)
	mgr.Context().Store("uplink", uplinkClient)
	mgr.Context().Store("bcast", bcastReceiver)

	// A signal-driven shutdown races the dispatcher's in-flight RPCs
	// against process exit; save the vault's revocation/seen state here
	// too so a credential isn't replayable even if a component's Stop
	// never gets to run.
	mgr.CancelAdd(func() {
		if err := vault.Save(); err != nil {
			log.Error("nodeagentd: pre-shutdown vault save failed", agentlog.F("err", err.Error()))
		}
	})

	mgr.RegisterFuncStartAfter(func() error {
		return d.register(context.Background())
	})

	if err := mgr.Start(); err != nil {
		_ = mgr.Stop()
		return fmt.Errorf("nodeagentd: starting components: %w", err)
	}
	log.Info("nodeagentd started", agentlog.F("node_name", settings.NodeName), agentlog.F("rpc_addr", settings.RPCAddr))

	mgr.WatchSignals(func(err error) {
		log.Error("nodeagentd: reload failed", agentlog.F("err", err.Error()))
	})

	sig, _ := mgr.Context().Load("shutdown_signal")
	log.Info("nodeagentd shutting down", agentlog.F("signal", sig))
	return mgr.Stop()
}

// register scans the spool directory for steps that survived a restart
// and reports this node to the controller, unblocking every launcher
// thread waiting on the TRES list.
func (d *daemon) register(ctx context.Context) error {
	recs, err := spool.Scan(d.settings.SpoolDir, d.settings.NodeName, 0)
	if err != nil {
		d.log.Warn("nodeagentd: spool scan failed, registering with no running steps", agentlog.F("err", err.Error()))
		recs = nil
	}

	running := make([]uplink.RunningStep, 0, len(recs))
	for _, r := range recs {
		running = append(running, uplink.RunningStep{JobID: r.JobID, StepID: r.StepID})
	}

	report := uplink.RegistrationReport{
		NodeName: d.settings.NodeName,
		Running:  running,
		Version:  agentVersion,
	}
	return d.uplink.Register(ctx, report)
}

func logLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// verifierFromPublicKey builds a verify-only NKey pair from the
// controller's public key. An empty string leaves the vault unable to
// verify any signed credential, which is a deliberate misconfiguration
// signal rather than a default this function should paper over.
func verifierFromPublicKey(pub string) (nkeys.KeyPair, error) {
	if pub == "" {
		return nil, nil
	}
	kp, err := nkeys.FromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("nodeagentd: parsing public-verifier-seed: %w", err)
	}
	return kp, nil
}

// rpcServer adapts *rpc.Dispatcher to config.Component: Start opens the
// listener and serves in the background, Stop cancels the serve loop and
// closes the listener.
type rpcServer struct {
	dispatcher *rpc.Dispatcher
	ln         net.Listener
	cancel     context.CancelFunc
	done       chan error
}

func (s *rpcServer) Name() string { return "rpc" }

func (s *rpcServer) Start(settings *config.Settings) error {
	ln, err := net.Listen("tcp", settings.RPCAddr)
	if err != nil {
		return fmt.Errorf("rpc: listening on %s: %w", settings.RPCAddr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.dispatcher.Serve(ctx, ln) }()
	return nil
}

func (s *rpcServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

// metricsComponent exposes the Prometheus registry over HTTP when
// enabled; it is a no-op component otherwise so it can always be
// registered unconditionally.
type metricsComponent struct {
	gatherer *metrics.Registry
	srv      *http.Server
}

func (m *metricsComponent) Name() string { return "metrics" }

func (m *metricsComponent) Start(settings *config.Settings) error {
	if !settings.MetricsEnabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer.Gatherer(), promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", settings.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", settings.MetricsAddr, err)
	}
	m.srv = &http.Server{Handler: mux}
	go func() { _ = m.srv.Serve(ln) }()
	return nil
}

func (m *metricsComponent) Stop() error {
	if m.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.srv.Shutdown(ctx)
}

// vaultPersister saves the credential vault's durable state on a clean
// shutdown, mirroring the persistence protocol's write-new/link/rename
// sequence (internal/credential.Vault.Save) without needing its own
// start-up behaviour.
type vaultPersister struct {
	vault *credential.Vault
}

func (vaultPersister) Name() string                     { return "vault-persist" }
func (vaultPersister) Start(*config.Settings) error      { return nil }
func (p vaultPersister) Stop() error                     { return p.vault.Save() }
