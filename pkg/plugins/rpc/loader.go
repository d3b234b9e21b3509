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

package rpc

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/Chester930/cag/pkg/plugins"
)

// Loader spawns plugin subprocesses and dispenses their capability.
type Loader struct {
	logger hclog.Logger
}

// NewLoader creates a subprocess plugin loader.
func NewLoader() *Loader {
	return &Loader{
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "cag-plugin",
			Level: hclog.Info,
		}),
	}
}

func (l *Loader) Protocol() plugins.Protocol {
	return plugins.ProtocolRPC
}

// Load launches the plugin executable and wraps the dispensed
// capability as a plugins.Plugin. The subprocess is killed on any
// failure along the way.
func (l *Loader) Load(ctx context.Context, manifest *plugins.Manifest, desc *plugins.Descriptor) (plugins.Plugin, error) {
	if manifest == nil {
		return nil, fmt.Errorf("plugin manifest is required")
	}
	if manifest.Path == "" {
		return nil, fmt.Errorf("plugin executable path is required")
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			DispenseName: &CapabilityPlugin{},
		},
		Cmd:    exec.Command(manifest.Path),
		Logger: l.logger,
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to get RPC client: %w", err)
	}

	raw, err := rpcClient.Dispense(DispenseName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	capability, ok := raw.(Capability)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed plugin does not implement the capability contract")
	}

	settings := map[string]any{}
	if desc != nil && desc.Settings != nil {
		settings = desc.Settings
	}

	return &adapter{
		manifest:   manifest,
		capability: capability,
		client:     client,
		settings:   settings,
	}, nil
}

// Unload kills the plugin subprocess.
func (l *Loader) Unload(ctx context.Context, p plugins.Plugin) error {
	if a, ok := p.(*adapter); ok && a.client != nil {
		a.client.Kill()
	}
	return nil
}

// adapter presents a subprocess capability as a plugins.Plugin.
type adapter struct {
	manifest   *plugins.Manifest
	capability Capability
	client     *goplugin.Client
	settings   map[string]any
}

func (a *adapter) Initialize(ctx context.Context) error {
	return a.capability.Initialize(a.settings)
}

func (a *adapter) Execute(ctx context.Context, contextMap map[string]any) (map[string]any, error) {
	type executeResult struct {
		result map[string]any
		err    error
	}

	// net/rpc calls carry no context; honor cancellation host-side.
	done := make(chan executeResult, 1)
	go func() {
		result, err := a.capability.Execute(contextMap)
		done <- executeResult{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.result, res.err
	}
}

func (a *adapter) Cleanup(ctx context.Context) error {
	err := a.capability.Cleanup()
	a.client.Kill()
	return err
}

func (a *adapter) Manifest() *plugins.Manifest {
	return a.manifest
}
