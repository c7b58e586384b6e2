package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	mcpcompose "github.com/datalayer/mcp-compose"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects a running instance's admin API.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createValidateCommand(globalFlags),
		createStatusCommand(),
		createRestartCommand(),
		createCallCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-compose",
		Short: "Compose several MCP servers into one",
		Long: `mcp-compose starts or connects to downstream MCP servers, merges their
tools, prompts and resources into one namespace and serves it.

Examples:
  mcp-compose serve mcp_compose.toml
  mcp-compose validate --config=mcp_compose.toml
  mcp-compose status --api-url=http://127.0.0.1:9456/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func configPath(flags *GlobalFlags, args []string) (string, error) {
	p := flags.ConfigPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required. Use --config=mcp_compose.toml or provide as argument")
	}
	return p, nil
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Compose the configured servers and serve them",
		Long: `Compose every configured server and keep running until SIGINT or SIGTERM.
The admin API, metrics listener and MCP gateway start when enabled in the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			c, err := mcpcompose.LoadConfig(p)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			app, err := mcpcompose.NewApp(c)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return app.Run(ctx)
		},
	}
}

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Check a config file and list the servers it declares",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			c, err := mcpcompose.LoadConfig(p)
			if err != nil {
				return err
			}
			printServers(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

func printServers(w io.Writer, c *mcpcompose.Config) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "NAME\tKIND\tTARGET\n")
	for _, d := range c.Descriptors() {
		target := d.URL()
		if target == "" || d.Spawns() {
			if target != "" {
				target += " "
			}
			target += "(" + strings.Join(d.Command, " ") + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Kind, target)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "config OK: %s, strategy %s\n", c.Composer.Name, c.Composer.ConflictResolution)
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "admin API URL (default http://127.0.0.1:9456/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createStatusCommand() *cobra.Command {
	f := &APIFlags{}
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the composition summary of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(f.APIUrl, f.APITimeout)
			var (
				v   any
				err error
			)
			if name != "" {
				v, err = client.Server(name)
			} else {
				v, err = client.Summary()
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "show a single server")
	addAPIFlags(cmd, f)
	return cmd
}

func createRestartCommand() *cobra.Command {
	f := &APIFlags{}
	var name string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart one downstream server of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewAPIClient(f.APIUrl, f.APITimeout).Restart(name); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restarted %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "server name (required)")
	addAPIFlags(cmd, f)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createCallCommand() *cobra.Command {
	f := &APIFlags{}
	var tool, args string
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call a composed tool on a running instance",
		Long: `Call a tool by its composed name.

Examples:
  mcp-compose call --tool=calc_add --args='{"a":1,"b":2}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if args != "" && !json.Valid([]byte(args)) {
				return fmt.Errorf("--args is not valid JSON")
			}
			res, err := NewAPIClient(f.APIUrl, f.APITimeout).CallTool(tool, json.RawMessage(args))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "composed tool name (required)")
	cmd.Flags().StringVar(&args, "args", "", "JSON arguments object")
	addAPIFlags(cmd, f)
	if err := cmd.MarkFlagRequired("tool"); err != nil {
		panic(err)
	}
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
