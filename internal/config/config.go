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

// Package config loads agent settings with Viper and hosts the
// component-registry Manager every long-lived subsystem starts/stops
// through, replacing a process-global config pointer with one explicit
// value built at startup.
package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kraklabs/nodeagentd/internal/agentctx"
)

// Settings is the fully resolved configuration every component reads
// from at Start. Reload() re-populates it in place from the same Viper
// instance without restarting any component.
type Settings struct {
	NodeName    string
	ClusterName string
	SpoolDir    string

	SupervisorBinary   string
	PublicVerifierSeed string
	SlurmUID           uint32

	PrologPath string
	EpilogPath string

	HostCount int
	HostIndex int

	MaxThreads   int
	CredLifetime time.Duration
	ReplayWindow time.Duration
	KillWait     time.Duration

	AggregationWindowMsgs int
	AggregationWindowTime time.Duration
	CollectorSubject      string

	BcastStallTimeout time.Duration

	RPCAddr string

	LogLevel  string
	LogJSON   bool
	LogFile   string
	SyslogURL string

	NatsURL string

	MetricsEnabled bool
	MetricsAddr    string
}

func defaults(v *viper.Viper) {
	v.SetDefault("spool_dir", "/var/spool/nodeagentd")
	v.SetDefault("max_threads", 256)
	v.SetDefault("cred_lifetime", "5m")
	v.SetDefault("replay_window", "30s")
	v.SetDefault("kill_wait", "30s")
	v.SetDefault("aggregation_window_msgs", 1)
	v.SetDefault("aggregation_window_time", "500ms")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9090")
	v.SetDefault("bcast_stall_timeout", "300s")
	v.SetDefault("host_count", 1)
	v.SetDefault("host_index", 0)
	v.SetDefault("rpc_addr", "0.0.0.0:6818")
}

// FuncEvent is a lifecycle hook a Component, or main, registers against
// the Manager.
type FuncEvent func() error

// Manager owns the Viper instance, the resolved Settings, the component
// list, and the lifecycle hook lists run before/after Start/Stop/Reload.
type Manager struct {
	mu   sync.RWMutex
	v    *viper.Viper
	cur  *Settings
	path string

	components []Component

	startBefore, startAfter   []FuncEvent
	reloadBefore, reloadAfter []FuncEvent
	stopBefore, stopAfter     []FuncEvent

	// ctx is the shared component-handle store: components stash
	// long-lived handles here (vault, waiter registry, event loops) so
	// anything holding the Manager can look them up without a second
	// plumbing path.
	ctx agentctx.Config[string]

	cancelSeq atomic.Uint64
	cancelFns sync.Map // uint64 -> func()
}

// Component is anything the Manager starts and stops in registration
// order, and optionally reloads on SIGHUP.
type Component interface {
	Name() string
	Start(*Settings) error
	Stop() error
}

// ReloadableComponent is implemented by components that need to react
// to a configuration reload without a full restart.
type ReloadableComponent interface {
	Component
	Reload(*Settings) error
}

// Load reads configPath (if non-empty), environment variable overrides
// (NODEAGENTD_*), and, if flags is given, a Cobra/pflag flag set — in
// that ascending order of precedence — into a fresh Manager.
func Load(configPath string, flags ...*pflag.FlagSet) (*Manager, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("nodeagentd")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	for _, fs := range flags {
		if fs == nil {
			continue
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil {
				return
			}
			// Flags are dash-case (--node-name); every Settings key above
			// is snake_case, so translate before binding into the same
			// Viper instance the config file and NODEAGENTD_* env vars use.
			key := strings.ReplaceAll(f.Name, "-", "_")
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("config: binding flags: %w", bindErr)
		}
	}

	m := &Manager{v: v, path: configPath, ctx: agentctx.New[string](context.Background())}
	settings, err := m.resolve()
	if err != nil {
		return nil, err
	}
	m.cur = settings
	return m, nil
}

func (m *Manager) resolve() (*Settings, error) {
	s := &Settings{
		NodeName:              m.v.GetString("node_name"),
		ClusterName:           m.v.GetString("cluster_name"),
		SpoolDir:              m.v.GetString("spool_dir"),
		SupervisorBinary:      m.v.GetString("supervisor_binary"),
		PublicVerifierSeed:    m.v.GetString("public_verifier_seed"),
		SlurmUID:              uint32(m.v.GetUint("slurm_uid")),
		PrologPath:            m.v.GetString("prolog_path"),
		EpilogPath:            m.v.GetString("epilog_path"),
		HostCount:             m.v.GetInt("host_count"),
		HostIndex:             m.v.GetInt("host_index"),
		MaxThreads:            m.v.GetInt("max_threads"),
		CredLifetime:          m.v.GetDuration("cred_lifetime"),
		ReplayWindow:          m.v.GetDuration("replay_window"),
		KillWait:              m.v.GetDuration("kill_wait"),
		AggregationWindowMsgs: m.v.GetInt("aggregation_window_msgs"),
		AggregationWindowTime: m.v.GetDuration("aggregation_window_time"),
		CollectorSubject:      m.v.GetString("collector_subject"),
		BcastStallTimeout:     m.v.GetDuration("bcast_stall_timeout"),
		RPCAddr:               m.v.GetString("rpc_addr"),
		LogLevel:              m.v.GetString("log_level"),
		LogJSON:               m.v.GetBool("log_json"),
		LogFile:               m.v.GetString("log_file"),
		SyslogURL:             m.v.GetString("syslog_url"),
		NatsURL:               m.v.GetString("nats_url"),
		MetricsEnabled:        m.v.GetBool("metrics_enabled"),
		MetricsAddr:           m.v.GetString("metrics_addr"),
	}
	if s.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("config: node_name not set and hostname lookup failed: %w", err)
		}
		s.NodeName = host
	}
	return s, nil
}

// Settings returns the currently resolved configuration.
func (m *Manager) Settings() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Context returns the shared component-handle store, keyed by string.
// Components use it to publish handles (vault, waiter registry, event
// loops) that other components or the signal-driven shutdown path need
// without a dedicated constructor argument.
func (m *Manager) Context() agentctx.Config[string] {
	return m.ctx
}

// CancelAdd registers functions to run once, in no particular order,
// the moment WatchSignals observes a shutdown signal — before it
// returns control to the caller for Stop(). Use it to flush state that
// must survive even if a later component's Stop fails.
func (m *Manager) CancelAdd(fct ...func()) {
	for _, f := range fct {
		if f == nil {
			continue
		}
		m.cancelFns.Store(m.cancelSeq.Add(1), f)
	}
}

// CancelClean discards every function registered through CancelAdd
// without running them.
func (m *Manager) CancelClean() {
	m.cancelFns.Range(func(k, _ interface{}) bool {
		m.cancelFns.Delete(k)
		return true
	})
}

func (m *Manager) runCancelFns() {
	m.cancelFns.Range(func(k, v interface{}) bool {
		m.cancelFns.Delete(k)
		v.(func())()
		return true
	})
}

// Register adds a component to the start/stop order.
func (m *Manager) Register(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

func (m *Manager) RegisterFuncStartBefore(fct FuncEvent)  { m.startBefore = append(m.startBefore, fct) }
func (m *Manager) RegisterFuncStartAfter(fct FuncEvent)   { m.startAfter = append(m.startAfter, fct) }
func (m *Manager) RegisterFuncReloadBefore(fct FuncEvent) { m.reloadBefore = append(m.reloadBefore, fct) }
func (m *Manager) RegisterFuncReloadAfter(fct FuncEvent)  { m.reloadAfter = append(m.reloadAfter, fct) }
func (m *Manager) RegisterFuncStopBefore(fct FuncEvent)   { m.stopBefore = append(m.stopBefore, fct) }
func (m *Manager) RegisterFuncStopAfter(fct FuncEvent)    { m.stopAfter = append(m.stopAfter, fct) }

// Start runs every startBefore hook, then every component's Start in
// registration order, then every startAfter hook. The first error stops
// the sequence and is returned; components already started are left
// running (the caller is expected to Stop() on a failed Start).
func (m *Manager) Start() error {
	if err := runAll(m.startBefore); err != nil {
		return err
	}
	m.mu.RLock()
	components := append([]Component(nil), m.components...)
	settings := m.cur
	m.mu.RUnlock()

	for _, c := range components {
		if err := c.Start(settings); err != nil {
			return fmt.Errorf("config: component %q failed to start: %w", c.Name(), err)
		}
	}
	return runAll(m.startAfter)
}

// Stop stops every component in reverse registration order, continuing
// past (not stopping on) individual errors so every component gets a
// chance to release its resources, and returns the first error seen.
func (m *Manager) Stop() error {
	_ = runAll(m.stopBefore)

	m.mu.RLock()
	components := append([]Component(nil), m.components...)
	m.mu.RUnlock()

	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("config: component %q failed to stop: %w", components[i].Name(), err)
		}
	}
	_ = runAll(m.stopAfter)
	return firstErr
}

// Reload re-reads the config file (if any) and calls Reload on every
// ReloadableComponent, without restarting anything. This is what SIGHUP
// triggers.
func (m *Manager) Reload() error {
	if err := runAll(m.reloadBefore); err != nil {
		return err
	}

	if m.path != "" {
		if err := m.v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: reload %s: %w", m.path, err)
		}
	}
	settings, err := m.resolve()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cur = settings
	components := append([]Component(nil), m.components...)
	m.mu.Unlock()

	for _, c := range components {
		if rc, ok := c.(ReloadableComponent); ok {
			if err := rc.Reload(settings); err != nil {
				return fmt.Errorf("config: component %q failed to reload: %w", c.Name(), err)
			}
		}
	}
	return runAll(m.reloadAfter)
}

func runAll(hooks []FuncEvent) error {
	for _, h := range hooks {
		if err := h(); err != nil {
			return err
		}
	}
	return nil
}

// WatchSignals blocks until SIGINT/SIGTERM/SIGQUIT or ctx-equivalent
// shutdown is requested; SIGHUP triggers Reload without returning. The
// caller is expected to call Stop after WatchSignals returns.
func (m *Manager) WatchSignals(onReloadErr func(error)) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if err := m.Reload(); err != nil && onReloadErr != nil {
				onReloadErr(err)
			}
			continue
		}
		m.ctx.Store("shutdown_signal", sig.String())
		m.runCancelFns()
		return
	}
}
