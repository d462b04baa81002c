package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raskyld/tainin"
	"github.com/raskyld/tainin/pkg/codec"
	"github.com/raskyld/tainin/pkg/frame"
)

var rootCmd = &cobra.Command{
	Use:   "tainin",
	Short: "Tainin - route messages between nodes over TCP or QUIC",
	Long: `Tainin connects nodes with plain streams and routes multi-section
messages along explicit routing paths, replies following the return path.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node exposing an echo handler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a handler of a remote node over TCP",
	Args:  cobra.NoArgs,
	RunE:  runCall,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)

	serveCmd.Flags().String("config", "", "configuration file (YAML, TOML or JSON)")

	callCmd.Flags().String("addr", "127.0.0.1:6174", "TCP address of the node to call")
	callCmd.Flags().String("route", "echo", "name of the handler to call")
	callCmd.Flags().String("data", "", "payload of the request")
	callCmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for the reply")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func echo(_ context.Context, req *frame.MultiFrame) (*frame.MultiFrame, error) {
	resp := frame.NewMultiFrame()
	for key, section := range req.All() {
		if key >= 0 {
			resp.Set(key, section)
		}
	}
	return resp, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := tainin.LoadConfig(path)
	if err != nil {
		return err
	}
	opts, err := cfg.ToOptions()
	if err != nil {
		return err
	}
	if cfg.Listen.TCP == "" && cfg.Listen.QUIC == "" {
		return fmt.Errorf("%w: nothing to listen on, set listen.tcp or listen.quic", tainin.ErrInvalidCfg)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := tainin.NewNode(opts...)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	if cfg.Listen.TCP != "" {
		src, err := tainin.ListenTCP(cfg.Listen.TCP, opts...)
		if err != nil {
			return err
		}
		if _, err := node.AddSource(ctx, "tcp", src); err != nil {
			return err
		}
		slog.Info("listening", "source", "tcp", "addr", src.Addr())
	}
	if cfg.Listen.QUIC != "" {
		src, err := tainin.ListenQUIC(cfg.Listen.QUIC, opts...)
		if err != nil {
			return err
		}
		if _, err := node.AddSource(ctx, "quic", src); err != nil {
			return err
		}
		slog.Info("listening", "source", "quic", "addr", src.Addr())
	}

	if _, err := node.Handle("echo", echo); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("terminating...")
	return nil
}

func runCall(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	route, _ := cmd.Flags().GetString("route")
	data, _ := cmd.Flags().GetString("data")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	logOpt := tainin.WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	node, err := tainin.NewNode(logOpt)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	dialer, err := tainin.ListenTCP("", logOpt)
	if err != nil {
		return err
	}
	if _, err := node.AddSource(ctx, "tcp", dialer); err != nil {
		return err
	}
	if _, err := node.Dial(ctx, "tcp", addr, "remote"); err != nil {
		return err
	}

	req := frame.NewMultiFrame()
	if err := codec.Put(req, 0, codec.Bytes{}, []byte(data)); err != nil {
		return err
	}
	resp, err := node.CallHandler(ctx, route, req, "remote")
	if err != nil {
		return err
	}
	out, err := codec.Get(resp, 0, codec.Bytes{})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
