package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolrelay/internal/llm"
	"github.com/samsaffron/toolrelay/internal/session"
)

var threadsLimit int

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage stored conversation threads",
	Long: `List, show and delete stored threads.

Examples:
  toolrelay threads                 # list recent threads
  toolrelay threads show <id>       # print the replayed history
  toolrelay threads delete <id>`,
	RunE: runThreadsList,
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runThreadsList,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thread as the model will see it",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsShow,
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsDelete,
}

func init() {
	threadsCmd.PersistentFlags().IntVarP(&threadsLimit, "limit", "n", 20, "Maximum threads to list (0 = all)")
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd, threadsDeleteCmd)
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	threads, err := store.ListThreads(cmd.Context(), session.ListOptions{Limit: threadsLimit})
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("No threads yet.")
		return nil
	}
	for _, t := range threads {
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s\n", render(mutedStyle, t.ID), render(headerStyle, title))
		fmt.Printf("    %s · %d messages · %s\n", t.Model, t.MessageCount, t.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	thread, err := store.GetThread(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	records, err := store.GetMessages(cmd.Context(), thread.ID)
	if err != nil {
		return err
	}

	fmt.Println(render(headerStyle, thread.Title))
	fmt.Println(render(mutedStyle, fmt.Sprintf("%s · %s", thread.Provider, thread.CreatedAt.Format("2006-01-02 15:04"))))
	fmt.Println()
	for _, msg := range append(systemHistory(thread), session.ReconcileHistory(records)...) {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg llm.Message) {
	label := render(headerStyle, string(msg.Role)+":")
	switch msg.Role {
	case llm.RoleTool:
		res, ok := msg.ToolResult()
		if !ok {
			return
		}
		style := mutedStyle
		if res.IsError {
			style = errStyle
		}
		fmt.Printf("%s %s\n", label, render(style, fmt.Sprintf("[%s %s] %s", res.Name, res.ID, truncate(res.Content, 200))))
	default:
		if text, ok := msg.Content(); ok && strings.TrimSpace(text) != "" {
			fmt.Printf("%s %s\n", label, text)
		}
		for _, call := range msg.ToolCalls() {
			fmt.Printf("%s %s\n", label, render(warnStyle, fmt.Sprintf("→ %s(%s) [%s]", call.Name, string(call.Arguments), call.ID)))
		}
	}
	fmt.Println()
}

func runThreadsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteThread(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted thread %s\n", args[0])
	return nil
}
