package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/userservers/userservers/pkg/client"
)

// defFlags are the definition fields settable from the command line.
type defFlags struct {
	command     string
	args        []string
	workDir     string
	env         []string
	policy      string
	autostart   bool
	stopTimeout time.Duration
	logDir      string
}

func (f *defFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.command, "command", "", "program to run")
	cmd.Flags().StringArrayVar(&f.args, "arg", nil, "program argument (repeatable)")
	cmd.Flags().StringVar(&f.workDir, "workdir", "", "working directory (absolute)")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "KEY=VALUE environment override (repeatable)")
	cmd.Flags().StringVar(&f.policy, "policy", "", "restart policy: never, on-failure, always")
	cmd.Flags().BoolVar(&f.autostart, "autostart", false, "start when the daemon boots")
	cmd.Flags().DurationVar(&f.stopTimeout, "stop-timeout", 0, "grace period before the child is killed")
	cmd.Flags().StringVar(&f.logDir, "log-dir", "", "directory for rotated output files")
}

func (f *defFlags) apply(def *client.Definition) error {
	if f.command != "" {
		def.Command = f.command
	}
	if f.args != nil {
		def.Args = f.args
	}
	if f.workDir != "" {
		def.WorkDir = f.workDir
	}
	for _, kv := range f.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return usageErrorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		if def.Env == nil {
			def.Env = make(map[string]string)
		}
		def.Env[k] = v
	}
	if f.policy != "" {
		def.RestartPolicy = f.policy
	}
	if f.stopTimeout != 0 {
		def.StopTimeout = f.stopTimeout
	}
	if f.logDir != "" {
		def.Log.Dir = f.logDir
	}
	return nil
}

func newAddCmd(g *globalFlags) *cobra.Command {
	var f defFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "register a new service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.command == "" {
				return usageErrorf("--command is required")
			}
			def := client.Definition{Name: args[0], Autostart: f.autostart}
			if err := f.apply(&def); err != nil {
				return err
			}
			if err := g.client().Add(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Printf("added %s\n", def.Name)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newEditCmd(g *globalFlags) *cobra.Command {
	var f defFlags
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "change an existing service definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			detail, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			def := detail.Definition
			if err := f.apply(&def); err != nil {
				return err
			}
			if cmd.Flags().Changed("autostart") {
				def.Autostart = f.autostart
			}
			if err := c.Edit(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Printf("updated %s\n", def.Name)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "stop a service and delete its definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list all services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := g.client().List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tRESTARTS\tCOMMAND")
			for _, info := range infos {
				pid := "-"
				if info.Status.PID != 0 {
					pid = fmt.Sprintf("%d", info.Status.PID)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					info.Definition.Name, info.Status.State, pid,
					info.Status.Restarts,
					strings.Join(append([]string{info.Definition.Command}, info.Definition.Args...), " "))
			}
			return w.Flush()
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "show one service's state and recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(d)
			return nil
		},
	}
}

func printStatus(d client.ServiceDetail) {
	fmt.Printf("name:     %s\n", d.Definition.Name)
	fmt.Printf("state:    %s\n", d.Status.State)
	fmt.Printf("command:  %s\n", strings.Join(append([]string{d.Definition.Command}, d.Definition.Args...), " "))
	fmt.Printf("policy:   %s (autostart=%v)\n", d.Definition.RestartPolicy, d.Definition.Autostart)
	if d.Status.PID != 0 {
		fmt.Printf("pid:      %d (up %s)\n", d.Status.PID, time.Since(d.Status.StartedAt).Round(time.Second))
	}
	if !d.Status.StoppedAt.IsZero() {
		fmt.Printf("exited:   %s (code %d)\n", d.Status.StoppedAt.Format(time.RFC3339), d.Status.ExitCode)
	}
	if d.Status.LastError != "" {
		fmt.Printf("error:    %s\n", d.Status.LastError)
	}
	if d.Status.Failures > 0 || d.Status.Restarts > 0 {
		fmt.Printf("failures: %d (restarts %d)\n", d.Status.Failures, d.Status.Restarts)
	}
	if !d.Status.BackoffUntil.IsZero() && d.Status.State == "backoff" {
		fmt.Printf("retry at: %s\n", d.Status.BackoffUntil.Format(time.RFC3339))
	}
	if d.Logs != "" {
		fmt.Println("--- recent output ---")
		fmt.Print(d.Logs)
		if !strings.HasSuffix(d.Logs, "\n") {
			fmt.Println()
		}
	}
}

func newStartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "start a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Start(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("started %s\n", args[0])
			return nil
		},
	}
}

func newStopCmd(g *globalFlags) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "stop a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Stop(cmd.Context(), args[0], !noWait); err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return before the child has exited")
	return cmd
}

func newRestartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "restart a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("restarted %s\n", args[0])
			return nil
		},
	}
}

func newLogsCmd(g *globalFlags) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "print a service's recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			if !follow {
				logs, err := c.Logs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Print(logs)
				return nil
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			err := c.FollowLogs(ctx, args[0], func(chunk []byte) error {
				_, werr := os.Stdout.Write(chunk)
				return werr
			})
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream output until interrupted")
	return cmd
}
