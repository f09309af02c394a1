package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/spf13/cobra"
)

var errQuit = errors.New("quit")

func newChatCmd(opts *rootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the server from the terminal",
		Long: `Read messages from standard input and print the conversation as the replies stream in.

Commands:
  /mode <name>    switch search mode (normal, knowledge_base, web)
  /clear          clear the conversation
  /reset          start over with a new user id
  /reconnect      reconnect the event stream now
  /status         show the event stream connectivity
  /quit           leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Logs interleave with the conversation, show them only when asked for.
			logOut := io.Discard
			if opts.logLevel != "" {
				logOut = cmd.ErrOrStderr()
			}
			cfg, logger, err := opts.load(logOut)
			if err != nil {
				return err
			}
			if mode != "" {
				m, err := models.ParseSearchMode(mode)
				if err != nil {
					return err
				}
				cfg.DefaultMode = m
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runChat(ctx, cfg, opts.configPath, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Search mode to start with, overrides the config file")

	return cmd
}

func runChat(ctx context.Context, cfg config, configPath string, logger *slog.Logger, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	t := newTranscript(out)
	r := &repl{app: a, transcript: t, mode: cfg.DefaultMode}

	sessionErrors := a.run(ctx)
	go func() {
		for msgs := range a.session.Watch(ctx) {
			t.render(msgs)
		}
	}()
	go func() {
		var last models.ConnState
		for st := range a.session.WatchStatus(ctx) {
			if st.State == last {
				continue
			}
			last = st.State
			t.info("%s", statusLine(st))
		}
	}()

	t.info("mode %s, type /quit to leave", r.mode)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer t.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sessionErrors:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				t.error(err)
			}
		}
	}
}

type repl struct {
	app        *app
	transcript *transcript
	mode       models.SearchMode
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := r.app.session.Send(ctx, line, r.mode)
		return err
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/mode":
		if arg == "" {
			r.transcript.info("mode %s", r.mode)
			return nil
		}
		m, err := models.ParseSearchMode(arg)
		if err != nil {
			return err
		}
		r.mode = m
		r.transcript.info("mode %s", r.mode)
	case "/clear":
		r.app.session.Clear()
	case "/reset":
		id := r.app.session.RegenerateIdentity()
		r.transcript.info("new user id %s", id)
	case "/reconnect":
		r.app.session.Reconnect()
	case "/status":
		r.transcript.info("%s", statusLine(r.app.session.Status()))
	default:
		return fmt.Errorf("unknown command %s", name)
	}
	return nil
}
