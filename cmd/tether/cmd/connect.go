package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/service"
)

var (
	connectLocalPort     int
	connectRemotePort    int
	connectRemoteHost    string
	connectPriority      string
	connectTags          []string
	connectSkipPreflight bool
	connectNoReuse       bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <target>",
	Short: "Establish and supervise a session to a target",
	Long: `Connect resolves the target (instance id or configured alias, with fuzzy
matching), runs the pre-connection diagnostic gate, establishes a tunnel
through the broker, and supervises it until interrupted. A healthy existing
session for the same target and port is reused unless --new is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().IntVarP(&connectLocalPort, "local-port", "l", 0,
		"local port to bind (default: broker-assigned)")
	connectCmd.Flags().IntVarP(&connectRemotePort, "remote-port", "r", 22,
		"remote port to tunnel to")
	connectCmd.Flags().StringVar(&connectRemoteHost, "remote-host", "",
		"remote host for port forwarding through the target")
	connectCmd.Flags().StringVar(&connectPriority, "priority", "normal",
		"session priority (low, normal, high); low priority sessions are evicted first")
	connectCmd.Flags().StringSliceVar(&connectTags, "tag", nil,
		"session tag as key=value (repeatable)")
	connectCmd.Flags().BoolVar(&connectSkipPreflight, "skip-preflight", false,
		"skip the pre-connection diagnostic gate")
	connectCmd.Flags().BoolVar(&connectNoReuse, "new", false,
		"always create a fresh session instead of reusing a healthy one")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}

	targetID, err := svc.ResolveTarget(args[0])
	if err != nil {
		return err
	}

	priority, err := core.ParsePriority(connectPriority)
	if err != nil {
		return err
	}
	tags, err := parseTags(connectTags)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The service gets its own lifetime so the session can be terminated
	// cleanly before the components shut down.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = svc.Run(runCtx)
	}()

	sess, err := svc.Connect(ctx, core.SessionConfig{
		TargetID:   targetID,
		LocalPort:  connectLocalPort,
		RemotePort: connectRemotePort,
		RemoteHost: connectRemoteHost,
		Priority:   priority,
		Tags:       tags,
	}, service.ConnectOptions{
		SkipPreflight: connectSkipPreflight,
		Reuse:         !connectNoReuse,
	})
	if err != nil {
		stopRun()
		<-runDone
		return err
	}

	if !quiet {
		fmt.Printf("Session %s established to %s\n", sess.ID, targetID)
		fmt.Printf("  local port:  %d\n", sess.LocalPort)
		fmt.Printf("  remote port: %d\n", sess.RemotePort)
		fmt.Println("Press Ctrl-C to terminate.")
	}

	<-ctx.Done()

	termCtx := context.Background()
	if err := svc.Terminate(termCtx, sess.ID, "user interrupt"); err != nil && !core.IsCategory(err, core.ErrCatNotFound) {
		appLogger.Warn("terminating session", "session_id", sess.ID, "error", err)
	}
	stopRun()
	<-runDone
	if !quiet {
		fmt.Println("Session closed.")
	}
	return nil
}

func parseTags(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, core.ErrValidation("INVALID_TAG", fmt.Sprintf("tag %q must be key=value", kv))
		}
		tags[k] = v
	}
	return tags, nil
}
