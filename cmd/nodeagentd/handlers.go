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

	"github.com/kraklabs/nodeagentd/internal/agenterr"
	"github.com/kraklabs/nodeagentd/internal/credential"
	"github.com/kraklabs/nodeagentd/internal/launcher"
	"github.com/kraklabs/nodeagentd/internal/lifecycle"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

// launchPayload is the wire shape of both BatchJobLaunch and LaunchTasks:
// the two differ only in which msg_type they arrive on and whether the
// sender must be privileged.
type launchPayload struct {
	JobID                 uint32
	Credential            credential.JobCredential
	Env                   map[string]string
	ClientAddr            string
	SelfAddr              string
	CgroupCfg             map[string]string
	AcctGather            map[string]string
	GRES                  map[string]string
	CPUFreq               launcher.CPUFreqState
	TreeWidth             int
}

type launchReply struct {
	RC  int32
	PID int32
}

type signalPayload struct {
	JobID  uint32
	StepID uint32
	Signal int32
}

type suspendPayload struct {
	JobID  uint32
	Resume bool
}

type terminatePayload struct {
	JobID uint32
}

type emptyReply struct{}

// handleLaunch is shared by BatchJobLaunch and LaunchTasks: both verify
// the credential, build a launcher.Request from the decoded payload, and
// differ only in which Driver method and LaunchKind they use.
func (d *daemon) handleLaunch(ctx context.Context, auth wire.AuthHeader, req wire.Envelope, kind launcher.LaunchKind, batch bool) ([]byte, error) {
	var p launchPayload
	if err := wire.DecodePayload(req, &p); err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "malformed launch payload", err)
	}

	privileged := auth.UID == 0 || auth.UID == d.settings.SlurmUID
	args, err := d.vault.Verify(p.Credential, auth.UID, privileged)
	if err != nil {
		return nil, err
	}

	launchReq := launcher.Request{
		Kind:                  kind,
		Cred:                  p.Credential,
		Args:                  *args,
		Privileged:            privileged,
		Agent:                 d.agentConfig(),
		CgroupCfg:             p.CgroupCfg,
		AcctGather:            p.AcctGather,
		ClientAddr:            p.ClientAddr,
		SelfAddr:              p.SelfAddr,
		GRES:                  p.GRES,
		CPUFreq:               p.CPUFreq,
		TreeWidth:             p.TreeWidth,
		OriginalRPC:           req.Payload,
		ClientProtocolVersion: req.Version,
	}

	var res launcher.Result
	if batch {
		res, err = d.driver.LaunchBatch(ctx, lifecycle.BatchRequest{
			Privileged: privileged,
			Cred:       p.Credential,
			Env:        p.Env,
			LaunchReq:  launchReq,
		})
	} else {
		res, err = d.driver.LaunchTasks(ctx, lifecycle.TasksRequest{
			Cred:      p.Credential,
			Env:       p.Env,
			LaunchReq: launchReq,
		})
	}
	if err != nil {
		return nil, err
	}
	return wire.EncodePayload(launchReply{RC: res.RC, PID: int32(res.PID)})
}

func (d *daemon) handleBatchJobLaunch(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
	return d.handleLaunch(ctx, auth, req, launcher.LaunchKindBatch, true)
}

func (d *daemon) handleLaunchTasks(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
	return d.handleLaunch(ctx, auth, req, launcher.LaunchKindTasks, false)
}

func (d *daemon) handleSignalTasks(_ context.Context, _ wire.AuthHeader, req wire.Envelope) ([]byte, error) {
	var p signalPayload
	if err := wire.DecodePayload(req, &p); err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "malformed signal payload", err)
	}
	if err := d.driver.SignalTasks(p.JobID, p.StepID, lifecycle.Signal(p.Signal)); err != nil {
		return nil, err
	}
	return wire.EncodePayload(emptyReply{})
}

func (d *daemon) handleSuspendInt(ctx context.Context, _ wire.AuthHeader, req wire.Envelope) ([]byte, error) {
	var p suspendPayload
	if err := wire.DecodePayload(req, &p); err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "malformed suspend/resume payload", err)
	}
	var err error
	if p.Resume {
		err = d.driver.Resume(ctx, p.JobID)
	} else {
		err = d.driver.Suspend(ctx, p.JobID)
	}
	if err != nil {
		return nil, err
	}
	return wire.EncodePayload(emptyReply{})
}

func (d *daemon) handleTerminateJob(ctx context.Context, _ wire.AuthHeader, req wire.Envelope) ([]byte, error) {
	var p terminatePayload
	if err := wire.DecodePayload(req, &p); err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "malformed terminate payload", err)
	}
	if err := d.driver.TerminateJob(ctx, p.JobID); err != nil {
		return nil, err
	}
	return wire.EncodePayload(emptyReply{})
}

func (d *daemon) agentConfig() launcher.AgentConfig {
	return launcher.AgentConfig{
		NodeName:    d.settings.NodeName,
		SpoolDir:    d.settings.SpoolDir,
		ClusterName: d.settings.ClusterName,
		DebugLevel:  0,
		PluginParams: map[string]string{
			"max_threads": fmt.Sprintf("%d", d.settings.MaxThreads),
		},
	}
}
