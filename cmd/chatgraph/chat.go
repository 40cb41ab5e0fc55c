package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/chatgraph"
)

const chatHelp = `Commands: /new starts a new conversation, /threads lists saved ones,
/open <thread> resumes one, /quit exits.`

func newChatCmd(a *app) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			s := &chatSession{
				ctrl:     rt.ctrl,
				out:      cmd.OutOrStdout(),
				md:       newMarkdown(),
				threadID: threadID,
			}
			if s.threadID == "" {
				s.threadID = chatgraph.NewThreadID()
			}
			return s.loop(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "resume an existing thread")
	return cmd
}

type chatSession struct {
	ctrl     *chatgraph.Controller
	out      io.Writer
	md       *markdown
	threadID string
}

func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(s.out, "chatgraph (thread %s)\n%s\n", s.threadID, chatHelp)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return nil
			}
			continue
		}
		s.turn(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// command handles a slash command and reports whether the session should end.
func (s *chatSession) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case "/quit", "/exit":
		return true
	case "/new":
		s.threadID = chatgraph.NewThreadID()
		fmt.Fprintf(s.out, "new thread %s\n", s.threadID)
	case "/threads":
		threads, err := s.ctrl.Store().ListThreadsWithTitles(ctx)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			return false
		}
		if len(threads) == 0 {
			fmt.Fprintln(s.out, "no saved conversations")
		}
		for _, t := range threads {
			fmt.Fprintf(s.out, "  %s  %s\n", t.ThreadID, t.Title)
		}
	case "/open":
		id := strings.TrimSpace(arg)
		cp, err := s.ctrl.Store().Latest(ctx, id)
		if err != nil {
			fmt.Fprintf(s.out, "cannot open thread %q: %v\n", id, err)
			return false
		}
		s.threadID = id
		fmt.Fprintf(s.out, "resumed %q (%d messages)\n", cp.State.Metadata.Title, len(cp.State.Messages))
	default:
		fmt.Fprintln(s.out, chatHelp)
	}
	return false
}

// turn runs one user turn and prints tool progress and the rendered reply.
func (s *chatSession) turn(ctx context.Context, input string) {
	for event := range s.ctrl.Run(ctx, s.threadID, input) {
		switch event.Type {
		case chatgraph.EventTypeToolStart:
			tool, _ := event.Data["tool"].(string)
			desc, _ := event.Data["description"].(string)
			fmt.Fprintf(s.out, "  Using %s: %s\n", tool, desc)
		case chatgraph.EventTypeToolError:
			tool, _ := event.Data["tool"].(string)
			fmt.Fprintf(s.out, "  %s failed: %s\n", tool, event.Err())
		case chatgraph.EventTypeTitle:
			title, _ := event.Data["title"].(string)
			fmt.Fprintf(s.out, "  title: %s\n", title)
		case chatgraph.EventTypeFinalOutput:
			response, _ := event.Data["response"].(string)
			fmt.Fprint(s.out, s.md.Render(response))
		case chatgraph.EventTypeError:
			fmt.Fprintf(s.out, "error: %s\n", event.Err())
		}
	}
}
