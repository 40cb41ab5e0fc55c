package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/chatgraph"
	"github.com/darkostanimirovic/chatgraph/providers"
)

func newThreadsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List saved conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tTITLE")
			if !all {
				threads, err := store.ListThreadsWithTitles(ctx)
				if err != nil {
					return err
				}
				for _, t := range threads {
					fmt.Fprintf(w, "%s\t%s\n", t.ThreadID, t.Title)
				}
				return w.Flush()
			}

			ids, err := store.ListThreads(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cp, err := store.Latest(ctx, id)
				if err != nil {
					return err
				}
				title := cp.State.Metadata.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(w, "%s\t%s\n", id, title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include threads without a title")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <thread>",
		Short: "Print the messages of a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			cp, err := store.Latest(cmd.Context(), args[0])
			if errors.Is(err, chatgraph.ErrNotFound) {
				return fmt.Errorf("thread %q not found", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cp.State.Metadata.Title != "" {
				fmt.Fprintf(out, "# %s\n\n", cp.State.Metadata.Title)
			}
			md := newMarkdown()
			for _, msg := range cp.State.Messages {
				switch {
				case msg.Role == providers.RoleUser:
					fmt.Fprintf(out, "You: %s\n\n", msg.Content)
				case msg.Role == providers.RoleAssistant && msg.Content != "":
					if raw {
						fmt.Fprintf(out, "Assistant: %s\n\n", msg.Content)
					} else {
						fmt.Fprint(out, md.Render(msg.Content))
					}
				case msg.Role == providers.RoleTool && a.verbose:
					fmt.Fprintf(out, "[%s] %s\n\n", msg.Name, msg.Content)
				}
			}
			fmt.Fprintf(out, "checkpoint %d (%s)\n", cp.Sequence, cp.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without rendering")
	return cmd
}
