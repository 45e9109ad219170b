// Package cli provides the command-line interface for the script engine.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/script-engine/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ScriptConfig  = config.ScriptConfig
	ReloadConfig  = config.ReloadConfig
	EditorConfig  = config.EditorConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
