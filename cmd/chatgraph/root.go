package main

import (
	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/chatgraph/internal/config"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatgraph",
		Short: "Conversational assistant with tools and persistent threads",
		Long: `chatgraph answers questions with an OpenAI-compatible model, calling web search,
stock quote and calculator tools when the model asks for them. Every turn is
checkpointed, so conversations can be listed and resumed.

Run "chatgraph serve" for the browser UI or "chatgraph chat" for a terminal session.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newThreadsCmd(a),
		newShowCmd(a),
	)
	return root
}
