package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openlocus/locus/internal/adapters/id"
	"github.com/openlocus/locus/internal/engine"
	"github.com/openlocus/locus/internal/graph"
)

func chatCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Long: `Start an interactive terminal chat. Responses stream as they are
generated. Modes: direct, chat, search, agent, stats. A <planning>,
<fast>, <direct> or <chat> tag in the input overrides the mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, err := engine.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())

			sessionID := id.NewSession()
			fmt.Printf("Session %s. Type 'exit' to quit.\n\n", sessionID)

			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					break
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if input == "exit" || input == "quit" {
					break
				}

				events, err := eng.ProcessUserRequest(ctx, engine.Request{
					Input:     input,
					Mode:      mode,
					SessionID: sessionID,
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				for ev := range events {
					if ev.Type == graph.EventChatStream {
						fmt.Print(ev.Content)
					}
				}
				fmt.Println()
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "direct", "turn mode (direct, chat, search, agent, stats)")
	return cmd
}
