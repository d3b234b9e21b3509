// Copyright 2026 The CAG Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc hosts plugins as subprocesses over hashicorp/go-plugin.
//
// The host and the plugin binary share the Capability contract below;
// plugin binaries call Serve from their main.
package rpc

import (
	"encoding/gob"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

func init() {
	// Context maps and results travel as gob-encoded any values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Handshake guards against launching a binary that is not a CAG
// plugin and against protocol drift between host and plugin.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CAG_PLUGIN",
	MagicCookieValue: "6b1f3f2cag",
}

// DispenseName is the key plugins are served and dispensed under.
const DispenseName = "capability"

// Capability is the wire-level plugin contract. It mirrors the host's
// plugin lifecycle without context (net/rpc carries none); the host
// side re-attaches context handling.
type Capability interface {
	Initialize(settings map[string]any) error
	Execute(contextMap map[string]any) (map[string]any, error)
	Cleanup() error
}

// CapabilityPlugin is the go-plugin glue for Capability.
type CapabilityPlugin struct {
	Impl Capability
}

func (p *CapabilityPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &capabilityServer{impl: p.Impl}, nil
}

func (p *CapabilityPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &capabilityClient{client: c}, nil
}

// Serve runs a plugin binary's serve loop. Call from the plugin's
// main; it blocks until the host kills the process.
func Serve(impl Capability) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			DispenseName: &CapabilityPlugin{Impl: impl},
		},
	})
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type InitializeArgs struct {
	Settings map[string]any
}

type ExecuteArgs struct {
	ContextMap map[string]any
}

type ExecuteResp struct {
	Result map[string]any
}

// capabilityServer adapts an Impl to net/rpc (plugin side).
type capabilityServer struct {
	impl Capability
}

func (s *capabilityServer) Initialize(args InitializeArgs, resp *struct{}) error {
	return s.impl.Initialize(args.Settings)
}

func (s *capabilityServer) Execute(args ExecuteArgs, resp *ExecuteResp) error {
	result, err := s.impl.Execute(args.ContextMap)
	if err != nil {
		return err
	}
	resp.Result = result
	return nil
}

func (s *capabilityServer) Cleanup(args struct{}, resp *struct{}) error {
	return s.impl.Cleanup()
}

// capabilityClient adapts a net/rpc client to Capability (host side).
type capabilityClient struct {
	client *rpc.Client
}

func (c *capabilityClient) Initialize(settings map[string]any) error {
	return c.client.Call("Plugin.Initialize", InitializeArgs{Settings: settings}, &struct{}{})
}

func (c *capabilityClient) Execute(contextMap map[string]any) (map[string]any, error) {
	var resp ExecuteResp
	if err := c.client.Call("Plugin.Execute", ExecuteArgs{ContextMap: contextMap}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *capabilityClient) Cleanup() error {
	return c.client.Call("Plugin.Cleanup", struct{}{}, &struct{}{})
}
