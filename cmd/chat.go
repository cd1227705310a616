package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/samsaffron/toolrelay/internal/llm"
	"github.com/samsaffron/toolrelay/internal/session"
	appsignal "github.com/samsaffron/toolrelay/internal/signal"
)

var (
	chatProvider string
	chatThread   string
	chatNoMCP    bool
	chatNoSave   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the model with every tool available",
	Long: `Send a message and stream the reply. The model can call the local
tools and every tool of the configured MCP servers; tool results are fed
back until it answers without calling tools.

Each exchange is stored in a thread. Pass --thread to continue one.

Examples:
  toolrelay chat "what's the weather in Oslo?"
  toolrelay chat --provider openai:gpt-4.1 "list the files in /tmp"
  toolrelay chat --thread 6f1c... "and tomorrow?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "Override provider, optionally with model (e.g. openai:gpt-4.1)")
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "", "Continue the thread with this id")
	chatCmd.Flags().BoolVar(&chatNoMCP, "no-mcp", false, "Do not start MCP servers")
	chatCmd.Flags().BoolVar(&chatNoSave, "no-save", false, "Do not store the exchange")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := appsignal.NotifyContext(cmd.Context())
	defer stop()

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return errors.New("message is empty")
	}

	if chatProvider != "" {
		name, model, err := llm.ParseProviderModel(chatProvider)
		if err != nil {
			return err
		}
		cfg.ApplyOverrides(name, model)
	}
	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}

	rt, err := newMCPRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if !chatNoMCP {
		res, err := rt.start(ctx)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			fmt.Fprintln(os.Stderr, render(warnStyle, fmt.Sprintf("%d of %d MCP servers failed to start", res.Failed, res.Total)))
		}
	}
	router, err := rt.newRouter()
	if err != nil {
		return err
	}
	specs, err := router.Specs(ctx)
	if err != nil {
		logger.Warn("list tools", zap.Error(err))
	}

	var store session.Store = &session.NoopStore{}
	if !chatNoSave {
		opened, err := openStore()
		if err != nil {
			return err
		}
		defer opened.Close()
		store = session.NewLoggingStore(opened, logger.Named("store"))
	}

	thread, history, err := loadThread(ctx, store, prompt, provider.Name())
	if err != nil {
		return err
	}

	sess := llm.NewSession(router, logger.Named("engine"), history)
	runner := llm.NewRunner(provider, sess, logger.Named("runner"))
	runner.SetTurnCompletedCallback(func(ctx context.Context, turn int, msgs []llm.Message, m llm.TurnMetrics) error {
		return session.SaveTurn(ctx, store, thread.ID, msgs, m)
	})

	user := llm.UserText(prompt)
	if err := session.SaveTurn(ctx, store, thread.ID, []llm.Message{user}, llm.TurnMetrics{}); err != nil {
		logger.Warn("save user message", zap.Error(err))
	}

	pc := cfg.ProviderSettings(cfg.Provider)
	req := llm.Request{
		Model:             pc.Model,
		Messages:          []llm.Message{user},
		Tools:             specs,
		ToolChoice:        llm.ToolChoice{Mode: llm.ToolChoiceAuto},
		ParallelToolCalls: cfg.Chat.ParallelTools,
		MaxOutputTokens:   cfg.Chat.MaxOutputTokens,
		MaxTurns:          cfg.Chat.MaxTurns,
	}
	_, err = runner.Run(ctx, req, printEvent)
	fmt.Println()
	if err != nil {
		return err
	}
	if !chatNoSave {
		fmt.Fprintln(os.Stderr, render(mutedStyle, "thread "+thread.ID))
	}
	return nil
}

// loadThread returns the thread to continue and its replayed history, or a
// new thread seeded with the configured instructions.
func loadThread(ctx context.Context, store session.Store, prompt, providerName string) (*session.Thread, []llm.Message, error) {
	if chatThread == "" {
		thread := &session.Thread{
			Title:        truncate(prompt, 60),
			Provider:     providerName,
			Model:        cfg.ProviderSettings(cfg.Provider).Model,
			SystemPrompt: cfg.Chat.Instructions,
		}
		if err := store.CreateThread(ctx, thread); err != nil {
			return nil, nil, err
		}
		return thread, systemHistory(thread), nil
	}

	thread, err := store.GetThread(ctx, chatThread)
	if err != nil {
		return nil, nil, err
	}
	records, err := store.GetMessages(ctx, thread.ID)
	if err != nil {
		return nil, nil, err
	}
	history := append(systemHistory(thread), session.ReconcileHistory(records)...)
	logger.Debug("resumed thread",
		zap.String("thread", thread.ID),
		zap.Int("records", len(records)),
		zap.Int("messages", len(history)))
	return thread, history, nil
}

func systemHistory(t *session.Thread) []llm.Message {
	if t.SystemPrompt == "" {
		return nil
	}
	return []llm.Message{llm.SystemText(t.SystemPrompt)}
}

func printEvent(ev llm.Event) {
	switch ev.Type {
	case llm.EventTextDelta:
		fmt.Print(ev.Text)
	case llm.EventToolCall:
		if ev.Tool != nil {
			fmt.Fprintln(os.Stderr, render(mutedStyle, fmt.Sprintf("→ %s %s", ev.Tool.Name, string(ev.Tool.Arguments))))
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
