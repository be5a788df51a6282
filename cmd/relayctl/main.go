package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/relay/internal/account"
	"github.com/matheus3301/relay/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	accountFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Control a running relay daemon",
	Long:          "Command-line client for the relay daemon's local API.\nEvery command talks to the daemon of one account over its unix socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&accountFlag, "account", "", "account name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to the daemon of the selected account.
func dial() (*api.Client, error) {
	name := account.Resolve(accountFlag)
	if err := account.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := api.Dial(account.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for account %q: %w", name, err)
	}
	return c, nil
}

// call runs one unary request and hands the response to render, or prints
// it as JSON with --json.
func call(service, method string, in map[string]any, render func(*structpb.Struct)) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	out, err := c.Call(ctx, service, method, in)
	if err != nil {
		return err
	}
	if jsonFlag || render == nil {
		return printJSON(out, true)
	}
	render(out)
	return nil
}

// watch streams until interrupted. Interruption is not an error.
func watch(cmd *cobra.Command, service, method string, in map[string]any, render func(*structpb.Struct)) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	err = c.Watch(cmd.Context(), service, method, in, func(s *structpb.Struct) error {
		if jsonFlag {
			return printJSON(s, false)
		}
		render(s)
		return nil
	})
	if cmd.Context().Err() != nil {
		return nil
	}
	return err
}

// printJSON prints s indented, or on a single line for streams.
func printJSON(s *structpb.Struct, multiline bool) error {
	data, err := protojson.MarshalOptions{Multiline: multiline, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func field(s *structpb.Struct, key string) *structpb.Value {
	return s.GetFields()[key]
}

func fmtTime(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(int64(ms)).Local().Format("2006-01-02 15:04:05")
}
