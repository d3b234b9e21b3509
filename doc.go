// Package cag provides a coordination runtime for context-aware
// generation.
//
// The runtime manages conversation context, short/long-term memory,
// conversation state, and hot-reloadable plugins around a pluggable
// response generator. Each inbound message runs through one pipeline:
// context update, retrieval, plugin execution, generation, and
// persistence, with conversation state tracking the outcome.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/Chester930/cag/cmd/cag@latest
//
// Run the pipeline locally with the echo provider:
//
//	cag serve --config config.example.yaml
//
// # Using as Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/Chester930/cag/pkg/cag"
//	    "github.com/Chester930/cag/pkg/llms"
//	    "github.com/Chester930/cag/pkg/plugins"
//	)
//
// Build a coordinator and process messages:
//
//	coordinator, err := cag.NewCoordinator(cag.Options{
//	    Config:   cfg,
//	    Provider: provider,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := coordinator.Initialize(ctx); err != nil {
//	    return err
//	}
//	reply, err := coordinator.ProcessMessage(ctx, userID, message)
package cag
