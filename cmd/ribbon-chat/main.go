package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatstream"
	"github.com/blkd13/ribbon-core/pkg/chatthreads"
	"github.com/blkd13/ribbon-core/pkg/relay"
	"github.com/blkd13/ribbon-core/pkg/tokens"
)

var rootCmd = &cobra.Command{
	Use:   "ribbon-chat [prompt...]",
	Short: "Chat against a relay, fanning each turn out across multiple models in lockstep",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger(viper.GetString("log-level"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), strings.Join(args, " "))
	},
}

func initLogger(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// loadThreadGroup builds the thread group either from a YAML file or from the
// --models shorthand. Thread ids are minted when the file leaves them out.
func loadThreadGroup() (*chatthreads.ThreadGroup, error) {
	group := &chatthreads.ThreadGroup{}
	if path := viper.GetString("group"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read thread group file")
		}
		if err := yaml.Unmarshal(data, group); err != nil {
			return nil, errors.Wrap(err, "parse thread group file")
		}
	} else {
		for _, m := range viper.GetStringSlice("models") {
			group.Threads = append(group.Threads, &chatthreads.Thread{
				Model: chatthreads.ModelConfig{Name: strings.TrimSpace(m)},
			})
		}
	}
	if len(group.Threads) == 0 {
		return nil, errors.New("no threads configured, pass --models or --group")
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	for _, th := range group.Threads {
		if th.ID == "" {
			th.ID = chatgraph.ThreadID(uuid.NewString())
		}
	}
	return group, nil
}

func runChat(ctx context.Context, prompt string) error {
	relayURL := strings.TrimRight(viper.GetString("relay"), "/")
	group, err := loadThreadGroup()
	if err != nil {
		return err
	}

	graph := chatgraph.NewStore(
		chatgraph.WithPersister(&relay.HTTPPersister{BaseURL: relayURL}),
		chatgraph.WithContentLoader(&relay.HTTPPartLoader{BaseURL: relayURL}),
	)

	// The orchestrator consumes usage reports from the session, but the
	// session is built first; route through an indirection.
	var onUsage func(streamID string, u chatstream.Usage)
	session, err := chatstream.NewSession(chatstream.SessionConfig{
		Transport:  &chatstream.HTTPTransport{BaseURL: relayURL},
		Dispatcher: &chatstream.HTTPDispatcher{BaseURL: relayURL},
		OnUsage: func(streamID string, u chatstream.Usage) {
			if onUsage != nil {
				onUsage(streamID, u)
			}
		},
	})
	if err != nil {
		return err
	}
	defer session.Dispose()

	orch, err := chatthreads.New(chatthreads.Config{
		Store:     graph,
		Sender:    session,
		Estimator: tokens.NewEstimator(),
		OnWarning: func(threadID chatgraph.ThreadID, msg string) {
			fmt.Fprintf(os.Stderr, "warning (%s): %s\n", threadID, msg)
		},
		OnUsage: func(threadID chatgraph.ThreadID, u chatstream.Usage) {
			log.Debug().Str("thread_id", string(threadID)).
				Int("input_tokens", u.InputTokens).
				Int("output_tokens", u.OutputTokens).
				Msg("usage reported")
		},
		TitleModel: viper.GetString("title-model"),
	})
	if err != nil {
		return err
	}
	onUsage = orch.UsageHandler()

	if prompt != "" {
		return sendTurn(ctx, orch, group, prompt)
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := sendTurn(ctx, orch, group, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// sendTurn fans one prompt out across the group and renders the responses.
// With a single thread the deltas stream straight to stdout; with several,
// each model's full answer prints once its stream finishes.
func sendTurn(ctx context.Context, orch *chatthreads.Orchestrator, group *chatthreads.ThreadGroup, prompt string) error {
	handle, err := orch.SendTurn(ctx, group, []*chatgraph.ContentPart{
		{Kind: chatgraph.PartText, Text: prompt},
	})
	if err != nil {
		return err
	}

	entries := handle.Entries()
	if len(entries) == 1 {
		// Print by accumulated-text cursor: deltas delivered before the
		// subscription are not replayed, but Text always has them.
		ch := entries[0].Channel
		sub := ch.Subscribe()
		printed := 0
		flush := func() {
			if full := ch.Text(); len(full) > printed {
				fmt.Print(full[printed:])
				printed = len(full)
			}
		}
		flush()
		for ev := range sub {
			if ev.Kind == chatstream.FrameKindDelta {
				flush()
			}
		}
		flush()
		fmt.Println()
	}
	if err := handle.Wait(ctx); err != nil {
		return err
	}
	if len(entries) > 1 {
		for _, entry := range entries {
			name := modelName(group, entry.ThreadID)
			if err := entry.Err(); err != nil {
				fmt.Printf("--- %s ---\nerror: %v\n", name, err)
				continue
			}
			fmt.Printf("--- %s ---\n%s\n", name, entry.Channel.Text())
		}
	}
	return handle.Err()
}

func modelName(group *chatthreads.ThreadGroup, id chatgraph.ThreadID) string {
	for _, th := range group.Threads {
		if th.ID == id {
			return th.Model.Name
		}
	}
	return string(id)
}

func init() {
	flags := rootCmd.Flags()
	flags.String("relay", "http://localhost:8088", "relay base URL")
	flags.String("group", "", "YAML file describing the thread group (models, ceilings, temperatures)")
	flags.StringSlice("models", []string{"echo"}, "comma-separated model names, shorthand for --group")
	flags.String("title-model", "", "model used for best-effort conversation titling")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (trace, debug, info, warn, error)")

	_ = viper.BindPFlag("relay", flags.Lookup("relay"))
	_ = viper.BindPFlag("group", flags.Lookup("group"))
	_ = viper.BindPFlag("models", flags.Lookup("models"))
	_ = viper.BindPFlag("title-model", flags.Lookup("title-model"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("RIBBON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
