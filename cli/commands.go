package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zot/script-engine/internal/config"
	"github.com/zot/script-engine/internal/engine"
	"github.com/zot/script-engine/internal/server"
)

// runServe loads scripts, starts the watcher, and optionally serves the
// editor endpoint until interrupted.
func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Stop()

	var editor *server.EditorEndpoint
	if cfg.Editor.Enabled {
		editor = server.NewEditorEndpoint(cfg, eng)
	}

	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if editor != nil {
		if err := editor.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer editor.Stop()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return 0
}

// runCheck loads every script once and reports extraction failures.
func runCheck(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg.Reload.Enabled = false

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Stop()

	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	bad := 0
	for _, s := range eng.Language().Scripts() {
		if !s.Valid() {
			fmt.Printf("INVALID  %s\n", s.Path())
			bad++
		} else {
			fmt.Printf("ok       %s (%s < %s)\n", s.Path(), s.TypeInfo().ClassName, s.TypeInfo().NativeBaseName)
		}
	}
	if bad > 0 {
		fmt.Printf("%d script(s) failed validation\n", bad)
		return 1
	}
	return 0
}

// runList loads scripts and prints their class metadata.
func runList(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg.Reload.Enabled = false

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Stop()

	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	for _, s := range eng.Language().Scripts() {
		info := s.TypeInfo()
		fmt.Printf("%s\n", s.Path())
		fmt.Printf("  class: %s  base: %s  valid: %v  tool: %v  abstract: %v\n",
			info.ClassName, info.NativeBaseName, s.Valid(), info.IsTool, info.IsAbstract)
		for _, p := range s.PropertyList() {
			fmt.Printf("  property %-16s %-8s default=%v\n", p.Name, p.Type, p.Default)
		}
		for _, sig := range s.SignalList(false) {
			fmt.Printf("  signal   %s(%v)\n", sig.Name, sig.Args)
		}
	}
	return 0
}
