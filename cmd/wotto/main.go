package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wottorun/wotto/internal/cmdloop"
	"github.com/wottorun/wotto/internal/logging"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "wotto",
		Short: "wotto - multi-tenant WebAssembly module runner",
		Long:  "A CLI for loading, running, and aliasing sandboxed WebAssembly modules.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, defaults applied otherwise)")

	rootCmd.AddCommand(
		loadCmd(),
		reloadCmd(),
		runCmd(),
		unloadCmd(),
		aliasCmd(),
		consoleCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "load <name-or-path>",
		Short: "Load a module, either from a local .wasm file or a URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			if url != "" {
				fqn, err := svc.LoadFromURL(ctx, url)
				if err != nil {
					return err
				}
				fmt.Printf("loaded %s from %s\n", fqn, url)
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("either --url or a path argument is required")
			}
			path := args[0]
			wasmBytes, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			name := strings.TrimSuffix(path, ".wasm")
			name = strings.TrimSuffix(name, ".wat")
			domain, user := namesBuiltinOrGithub(name)
			canonical, err := canonicalName(name)
			if err != nil {
				return err
			}
			fqn, err := svc.LoadBytes(ctx, domain, user, canonical, wasmBytes)
			if err != nil {
				return err
			}
			fmt.Printf("loaded %s\n", fqn)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "load from a gist or builtin: URL instead of a local file")
	return cmd
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <name>",
		Short: "Re-resolve a previously URL-loaded module from its stored URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			fqn, err := svc.Load(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("reloaded %s\n", fqn)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "run <name> <entry-point>",
		Short: "Invoke an exported function on a loaded module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			result, err := svc.Run(ctx, args[0], args[1], []byte(input))
			if err != nil {
				return err
			}
			fmt.Printf("output:\n%s\n", result.Output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input bytes passed to the guest")
	return cmd
}

func unloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <name>",
		Short: "Unload a module and remove any aliases pointing at it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			if err := svc.Unload(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("unloaded %s\n", args[0])
			return nil
		},
	}
}

func aliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Manage short-name aliases for loaded modules",
	}
	cmd.AddCommand(aliasAddCmd(), aliasRemoveCmd())
	return cmd
}

func aliasAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <short> <target>",
		Short: "Point a short name at an already-loaded module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			if err := svc.AddAlias(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("aliased %s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func aliasRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <short>",
		Short: "Remove a short-name alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			svc.RemoveAlias(args[0])
			fmt.Printf("removed alias %s\n", args[0])
			return nil
		},
	}
}

// consoleCmd runs a line-based REPL on top of internal/cmdloop, reading
// commands of the form "load <path>", "run <name> <entry> [input]",
// or "quit" from stdin.
func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Drive the command loop interactively from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			svc, cleanup, err := newService(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer cleanup()

			cmds := make(chan cmdloop.Command)
			results := make(chan cmdloop.Result)
			loopErr := make(chan error, 1)
			go func() { loopErr <- cmdloop.Run(ctx, svc, cmds, results) }()
			go drainResults(results)

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				c, ok := parseConsoleLine(line)
				if !ok {
					fmt.Fprintf(os.Stderr, "unrecognized command: %s\n", line)
					continue
				}
				cmds <- c
				if c.Kind == cmdloop.Quit {
					break
				}
			}
			close(cmds)
			return <-loopErr
		},
	}
}

func drainResults(results <-chan cmdloop.Result) {
	for r := range results {
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", r.FQN, r.Err)
			continue
		}
		if len(r.Output) > 0 {
			fmt.Printf("%s: %s\n", r.FQN, r.Output)
		} else {
			fmt.Printf("%s: ok\n", r.FQN)
		}
	}
}

func parseConsoleLine(line string) (cmdloop.Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return cmdloop.Command{}, false
	}
	switch fields[0] {
	case "quit", "exit":
		return cmdloop.Command{Kind: cmdloop.Quit}, true
	case "load":
		if len(fields) < 2 {
			return cmdloop.Command{}, false
		}
		if strings.Contains(fields[1], "://") || strings.HasPrefix(fields[1], "builtin:") {
			return cmdloop.Command{Kind: cmdloop.LoadModule, URL: fields[1]}, true
		}
		wasmBytes, err := os.ReadFile(fields[1])
		if err != nil {
			logging.Op().Error("read module file", "path", fields[1], "error", err)
			return cmdloop.Command{}, false
		}
		name := strings.TrimSuffix(strings.TrimSuffix(fields[1], ".wasm"), ".wat")
		return cmdloop.Command{Kind: cmdloop.LoadModule, Name: name, WasmBytes: wasmBytes}, true
	case "run":
		if len(fields) < 3 {
			return cmdloop.Command{}, false
		}
		var input []byte
		if len(fields) > 3 {
			input = []byte(strings.Join(fields[3:], " "))
		}
		return cmdloop.Command{Kind: cmdloop.RunModule, Name: fields[1], EntryPoint: fields[2], Input: input}, true
	default:
		return cmdloop.Command{}, false
	}
}
