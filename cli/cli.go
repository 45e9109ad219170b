// Package cli provides the command-line interface for the script engine.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"os"
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "check":
		return runCheck(cmdArgs)
	case "list":
		return runList(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "-v", "--version":
		printVersion(hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func printHelp(hooks *Hooks) {
	fmt.Println(`Script Engine

Usage: script-engine [command] [options]

Commands:
  serve           Load scripts, watch for changes, serve the editor endpoint (default)
  check           Load and validate scripts, report extraction errors, exit
  list            Load scripts and print their class metadata

Options:
  --dir           Script directory (default: scripts/)
  --tool          Enable tool mode (placeholders, export caches)
  --reload        Enable hot reload (default: true)
  --debounce      Reload debounce delay (default: 100ms)
  --editor        Serve the editor WebSocket endpoint
  --host          Editor listen address (default: 127.0.0.1)
  --port          Editor listen port (default: 8765)
  -v, -vv, -vvv   Increase verbosity

Examples:
  script-engine serve --dir game/scripts --editor --tool
  script-engine check --dir game/scripts
  script-engine list --dir game/scripts -v`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("Script Engine v0.1.0")
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
