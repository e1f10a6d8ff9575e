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
	"github.com/spf13/cobra"

	"github.com/kraklabs/nodeagentd/internal/config"
)

// newRootCmd builds the nodeagentd command: its flags are bound into the
// same Viper instance config.Load populates from defaults, config file,
// and NODEAGENTD_* environment variables, flags taking highest
// precedence.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "nodeagentd",
		Short: "Node-local Slurm-style compute agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return runDaemon(mgr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")
	flags.String("node-name", "", "this node's name (default: hostname)")
	flags.String("cluster-name", "", "cluster name, used to namespace controller uplink subjects")
	flags.String("spool-dir", "", "spool directory holding cred_state and step sockets")
	flags.String("supervisor-binary", "", "path to the step-supervisor executable")
	flags.String("public-verifier-seed", "", "controller's public NKey seed, used to verify job credentials")
	flags.Uint32("slurm-uid", 0, "uid treated as the privileged slurm identity")
	flags.String("prolog-path", "", "prolog script path, run once per job before its first step")
	flags.String("epilog-path", "", "epilog script path, run once per job after termination")
	flags.Int("host-count", 0, "total node count in the cluster, used to spread epilog-complete RPCs")
	flags.Int("host-index", 0, "this node's index, used to spread epilog-complete RPCs")
	flags.Int("max-threads", 0, "RPC dispatcher worker pool size")
	flags.Duration("cred-lifetime", 0, "how long a revoked job's metadata survives before GC")
	flags.Duration("replay-window", 0, "how long a verified credential is accepted as a replay without re-verification")
	flags.Duration("kill-wait", 0, "grace period between SIGTERM and SIGKILL during TerminateJob")
	flags.Int("aggregation-window-msgs", 0, "epilog-complete reports batched before a forced flush")
	flags.Duration("aggregation-window-time", 0, "epilog-complete aggregation flush interval")
	flags.String("collector-subject", "", "NATS subject of a collector node, if routing epilog-complete through one")
	flags.Duration("bcast-stall-timeout", 0, "idle duration before a file-broadcast transfer is GC'd")
	flags.String("rpc-addr", "", "address the RPC dispatcher listens on")
	flags.String("nats-url", "", "controller uplink NATS URL")
	flags.String("log-level", "", "panic|fatal|error|warn|info|debug|trace")
	flags.Bool("log-json", false, "emit structured JSON log lines")
	flags.String("log-file", "", "additional log file sink")
	flags.String("syslog-url", "", "additional syslog sink address")
	flags.Bool("metrics-enabled", false, "expose a Prometheus scrape endpoint")
	flags.String("metrics-addr", "", "address the Prometheus scrape endpoint listens on")

	return cmd
}
