// dyldtool drives launch.Orchestrator from the command line: it is the
// launcher/dlopen-simulation front-end SPEC_FULL.md's DOMAIN STACK
// section calls for, not a Mach-O dump tool (those stay out of scope
// per spec.md §1).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/appsworld/godyld/internal/procconfig"
	"github.com/appsworld/godyld/internal/runtimelog"
	"github.com/appsworld/godyld/internal/syscallshim"
	"github.com/appsworld/godyld/launch"
)

var (
	allowAtPaths        bool
	allowEnvPaths       bool
	allowFallbackPaths  bool
	allowInterposing    bool
	allowInsertFailures bool
	insertedLibraries   []string
	traceGates          []string
)

func buildConfig(mainPath string) *procconfig.ProcessConfig {
	return &procconfig.ProcessConfig{
		MainExecutablePath: mainPath,
		Argv:               os.Args,
		Envp:               os.Environ(),
		Platform:           procconfig.PlatformMacOS,
		Security: procconfig.SecurityFlags{
			AllowAtPaths:        allowAtPaths,
			AllowEnvVarsPath:    allowEnvPaths,
			AllowFallbackPaths:  allowFallbackPaths,
			AllowInsertFailures: allowInsertFailures,
			AllowInterposing:    allowInterposing,
		},
		InsertedLibraries: insertedLibraries,
	}
}

func parseGates(names []string) runtimelog.Gate {
	var g runtimelog.Gate
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "segments":
			g |= runtimelog.GateSegments
		case "fixups":
			g |= runtimelog.GateFixups
		case "initializers":
			g |= runtimelog.GateInitializers
		case "apis":
			g |= runtimelog.GateAPIs
		case "all":
			g |= runtimelog.GateSegments | runtimelog.GateFixups | runtimelog.GateInitializers | runtimelog.GateAPIs
		}
	}
	return g
}

func printLoadedImages(dyld *launch.Dyld) {
	n := dyld.ImageCount()
	for i := 0; i < n; i++ {
		name, _ := dyld.GetImageName(i)
		addr, _ := dyld.GetImageHeader(i)
		fmt.Printf("%#016x  %s\n", addr, name)
	}
}

func newLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <main-executable>",
		Short: "Map a Mach-O executable and its dependency closure and run initializers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mainPath := args[0]
			cfg := buildConfig(mainPath)
			orch := launch.New(cfg, syscallshim.New(), nil)
			orch.Log().SetGates(parseGates(traceGates))

			dyld := launch.NewDyld(orch)
			if _, err := dyld.Launch(mainPath); err != nil {
				return fmt.Errorf("launch: %w", err)
			}
			printLoadedImages(dyld)
			for _, line := range orch.Log().Drain() {
				fmt.Fprintln(os.Stderr, line)
			}
			return nil
		},
	}
}

func newDlopenCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "dlopen <main-executable> <dylib-path>",
		Short: "Launch a main executable, then dlopen and dlclose a dylib against it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mainPath, dylibPath := args[0], args[1]
			cfg := buildConfig(mainPath)
			orch := launch.New(cfg, syscallshim.New(), nil)
			orch.Log().SetGates(parseGates(traceGates))

			dyld := launch.NewDyld(orch)
			if _, err := dyld.Launch(mainPath); err != nil {
				return fmt.Errorf("launch: %w", err)
			}

			var m launch.Mode
			switch strings.ToLower(mode) {
			case "now":
				m = launch.ModeNow
			case "global":
				m = launch.ModeGlobal
			case "local":
				m = launch.ModeLocal
			default:
				m = launch.ModeNow
			}

			const threadID = 1
			h, err := dyld.Dlopen(dylibPath, m, threadID)
			if err != nil {
				return fmt.Errorf("dlopen %s: %w", dylibPath, err)
			}
			fmt.Println("loaded:")
			printLoadedImages(dyld)

			dyld.Dlclose(h)
			fmt.Println("after dlclose:")
			printLoadedImages(dyld)

			for _, line := range orch.Log().Drain() {
				fmt.Fprintln(os.Stderr, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "now", "dlopen mode: now, global, or local")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:   "dyldtool",
		Short: "Drives the loader's LaunchOrchestrator from a command line",
	}
	root.PersistentFlags().BoolVar(&allowAtPaths, "allow-at-paths", true, "honor @loader_path/@executable_path/@rpath")
	root.PersistentFlags().BoolVar(&allowEnvPaths, "allow-env-paths", false, "honor DYLD_LIBRARY_PATH/DYLD_FRAMEWORK_PATH")
	root.PersistentFlags().BoolVar(&allowFallbackPaths, "allow-fallback-paths", false, "honor DYLD_FALLBACK_*_PATH")
	root.PersistentFlags().BoolVar(&allowInterposing, "allow-interposing", true, "honor __interpose sections")
	root.PersistentFlags().BoolVar(&allowInsertFailures, "allow-insert-failures", false, "tolerate a DYLD_INSERT_LIBRARIES entry that fails to load")
	root.PersistentFlags().StringSliceVar(&insertedLibraries, "insert", nil, "DYLD_INSERT_LIBRARIES entries, in order")
	root.PersistentFlags().StringSliceVar(&traceGates, "trace", nil, "tracing channels to enable: segments,fixups,initializers,apis,all")

	root.AddCommand(newLaunchCmd())
	root.AddCommand(newDlopenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
