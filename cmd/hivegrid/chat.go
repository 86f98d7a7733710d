package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/internal/org"
	"github.com/hivegrid/hivegrid/internal/persistence"
	"github.com/hivegrid/hivegrid/internal/runtime"
	"github.com/hivegrid/hivegrid/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the agent organization",
		Long: `Run the agent runtime in-process and talk to it from the terminal.
The first message opens a task and goes to the root agent; afterwards
messages go to the current target agent.`,
		Example: `  hivegrid chat
  hivegrid chat --config hivegrid.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "hivegrid.yaml", "Path to YAML configuration file")
	return cmd
}

const chatHelp = `commands:
  help             show this help
  exit             quit
  target           show the current target agent
  use <agentId>    switch the target agent
  agents           list live agents
  to <agentId> <text>  send one message to a specific agent
  <text>           send to the current target (first message opens a task)`

func runChat(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// Keep the terminal readable; the conversation is the output.
	logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text", Output: os.Stderr})

	if err := os.MkdirAll(cfg.Runtime.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}
	store, err := persistence.NewStore(cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	coord, err := runtime.NewCoordinator(cfg, logger, nil, store)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := coord.Start(runCtx); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		coord.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	// Print everything agents send to the user as it arrives.
	go func() {
		for {
			msg, err := coord.WaitForUserMessage(runCtx, nil, 5*time.Second)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				continue
			}
			printIncoming(coord, msg)
		}
	}()

	fmt.Println("hivegrid chat. Type 'help' for commands.")
	target := org.RootAgentID
	taskID := ""
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("[%s]> ", target)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "exit":
			return nil
		case line == "help":
			fmt.Println(chatHelp)
		case line == "target":
			fmt.Println("current target:", target)
		case line == "agents":
			for _, a := range coord.Organization().ListAgents() {
				if a.Status.Terminal() {
					continue
				}
				fmt.Printf("  %s  %s  %s\n", a.ID, a.DisplayName(), a.Status)
			}
		case strings.HasPrefix(line, "use "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "use "))
			if _, ok := coord.Organization().GetAgent(id); !ok {
				fmt.Println("unknown agent:", id)
				continue
			}
			target = id
			fmt.Println("target is now", target)
		case strings.HasPrefix(line, "to "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "to "))
			id, text, found := strings.Cut(rest, " ")
			if !found || strings.TrimSpace(text) == "" {
				fmt.Println("usage: to <agentId> <text>")
				continue
			}
			sendChat(coord, id, taskID, text)
		default:
			if taskID == "" && target == org.RootAgentID {
				id, _, err := coord.SubmitRequirement(line)
				if err != nil {
					fmt.Println("error:", err)
					continue
				}
				taskID = id
				fmt.Println("opened task", taskID)
				continue
			}
			sendChat(coord, target, taskID, line)
		}
	}
}

func sendChat(coord *runtime.Coordinator, to, taskID, text string) {
	if _, err := coord.DispatchMessage("user", to, taskID, models.TextPayload(text)); err != nil {
		fmt.Println("error:", err)
	}
}

func printIncoming(coord *runtime.Coordinator, msg *models.Message) {
	sender := msg.From
	if agent, ok := coord.Organization().GetAgent(msg.From); ok {
		sender = fmt.Sprintf("%s (%s)", agent.DisplayName(), agent.ID)
	}
	fmt.Printf("\n<%s> %s\n", sender, msg.Payload.Text)
	for _, att := range msg.Payload.Attachments {
		fmt.Printf("  attachment: %s %s (%s)\n", att.Type, att.Filename, att.ArtifactRef)
	}
}
