package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matheus3301/yarsha/internal/control"
	"github.com/matheus3301/yarsha/internal/lock"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/spf13/cobra"
)

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "yarshactl",
		Short:         "Control a running yarshad session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("session", "", "session name (overrides config default)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCmd(),
		newChatsCmd(),
		newMessagesCmd(),
		newSearchCmd(),
		newSyncCmd(),
		newMutationsCmd(),
		newSendCmd(),
	)
	for _, a := range chatActions {
		cmd.AddCommand(newActionCmd(a.name, a.short))
	}
	return cmd
}

// cmdContext is the per-invocation connection to the daemon.
type cmdContext struct {
	ctx      context.Context
	client   *control.Client
	jsonMode bool
	out      io.Writer
	cancel   context.CancelFunc
}

func (c *cmdContext) Close() {
	c.cancel()
	_ = c.client.Close()
}

// connect dials the daemon of the selected session.
func connect(cmd *cobra.Command) (*cmdContext, error) {
	flag, _ := cmd.Flags().GetString("session")
	name := session.Resolve(flag)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	_, held, err := lock.Inspect(session.Dir(name))
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("yarshad is not running for session %q", name)
	}
	client, err := control.Dial(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonMode, _ := cmd.Flags().GetBool("json")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return &cmdContext{
		ctx:      ctx,
		client:   client,
		jsonMode: jsonMode,
		out:      cmd.OutOrStdout(),
		cancel:   cancel,
	}, nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
