package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ragchat",
		Short: "Streaming client for a RAG chat server",
		Long: `A client for a chat server that answers through a server-sent events stream.

Messages are sent to the server over REST, the replies are streamed back on a
per-user event stream and folded into a local conversation history.

Quick Start:
  ragchat chat                # talk to the server from the terminal
  ragchat serve               # relay the conversation over local HTTP`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "Path to the config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides the config file")

	cmd.AddCommand(newServeCmd(opts), newChatCmd(opts))
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	return cmd
}

// load reads the configuration and builds the logger writing to w.
func (o *rootOptions) load(w io.Writer) (config, *slog.Logger, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))

	return cfg, logger, nil
}
