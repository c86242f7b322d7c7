package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/agent/core"
	"github.com/vendaflow/vendaflow/internal/agent/telemetry"
	"github.com/vendaflow/vendaflow/internal/crm"
)

// chatCMD runs a local REPL against the turn engine, carrying the session
// fragment in memory between turns.
func chatCMD() *cobra.Command {
	var cfgPath string
	var chat = &cobra.Command{
		Use:   "chat",
		Short: "Interactive CRM chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			store, err := crm.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()
			logger := log.New(log.Writer(), "[CHAT] ", log.LstdFlags)
			orch, err := core.NewOrchestrator(cfg, logger, tele, store, nil)
			if err != nil {
				return err
			}

			sessionID := uuid.New().String()
			var carry core.Carry
			fmt.Printf("session %s (ctrl-d to exit)\n", sessionID)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				result, err := orch.ProcessTurn(ctx, core.Turn{
					SessionID: sessionID,
					Text:      text,
					Carry:     carry,
					Timestamp: time.Now(),
				})
				if err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				carry = result.Carry
				fmt.Println(result.Reply)
				if len(result.IntentsRun) > 0 {
					fmt.Printf("  [%s in %s]\n", strings.Join(result.IntentsRun, ", "), result.ProcessingTime.Round(time.Millisecond))
				}
			}
		},
	}
	chat.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return chat
}
