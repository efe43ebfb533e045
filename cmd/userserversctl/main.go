package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/userservers/userservers/internal/xdg"
	"github.com/userservers/userservers/pkg/client"
)

// Exit codes. Scripts branch on these instead of parsing stderr.
const (
	exitOK         = 0
	exitValidation = 1
	exitNotFound   = 2
	exitConnection = 3
	exitDaemon     = 4
)

type globalFlags struct {
	socket  string
	timeout time.Duration
}

func main() {
	var g globalFlags
	root := &cobra.Command{
		Use:           "userserversctl",
		Short:         "control client for the user service supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.socket, "socket", xdg.SocketPath(), "daemon control socket")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newAddCmd(&g),
		newRemoveCmd(&g),
		newEditCmd(&g),
		newListCmd(&g),
		newStatusCmd(&g),
		newStartCmd(&g),
		newStopCmd(&g),
		newRestartCmd(&g),
		newLogsCmd(&g),
	)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func (g *globalFlags) client() *client.Client {
	return client.New(client.Config{
		SocketPath: g.socket,
		Timeout:    g.timeout,
	})
}

func exitCode(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case client.KindValidation, client.KindProtocol:
			return exitValidation
		case client.KindNotFound:
			return exitNotFound
		default:
			return exitDaemon
		}
	}
	var argErr *usageError
	if errors.As(err, &argErr) {
		return exitValidation
	}
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &netErr) || errors.As(err, &opErr) || errors.Is(err, os.ErrNotExist) {
		return exitConnection
	}
	// http.Client wraps dial failures in *url.Error, which implements
	// net.Error; anything else unexpected counts as a daemon error.
	return exitDaemon
}

// usageError marks locally detected bad arguments.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
