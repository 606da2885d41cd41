// TaxDesk - customer support assistant pipeline
// License: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/taxdesk/taxdesk/pkg/agent"
	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/providers"
	"github.com/taxdesk/taxdesk/pkg/resilience"
	"github.com/taxdesk/taxdesk/pkg/stats"
	"github.com/taxdesk/taxdesk/pkg/store"
	"github.com/taxdesk/taxdesk/pkg/tools"
)

// chatCmd runs the assistant against an in-memory session, bypassing the
// webhook pipeline. Useful for prompt and tool testing.
func chatCmd() {
	customerID := "cli-tester"
	message := ""

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug", "-d":
			logger.SetLevel(logger.DEBUG)
			fmt.Println("Debug mode enabled")
		case "-m", "--message":
			if i+1 < len(args) {
				message = args[i+1]
				i++
			}
		case "-c", "--customer":
			if i+1 < len(args) {
				customerID = args[i+1]
				i++
			}
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}

	breakers := resilience.NewRegistry(resilience.Options{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Cooldown:         time.Duration(cfg.Resilience.CooldownSeconds) * time.Second,
		MaxRetries:       cfg.Resilience.MaxRetries,
		BackoffBase:      time.Duration(cfg.Resilience.BackoffBaseMs) * time.Millisecond,
	})

	registry := tools.NewToolRegistry(breakers)
	registerTools(cfg, registry)

	sessions := store.NewMemoryStore(time.Duration(cfg.Store.SessionTTLSeconds) * time.Second)
	broker := bus.NewMessageBus()
	defer broker.Close()

	supervisor := agent.NewSupervisor(cfg, sessions, broker, provider, registry, breakers, stats.NewCollector())

	if message != "" {
		reply, err := supervisor.ProcessDirect(context.Background(), customerID, message)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s\n", reply)
		return
	}

	fmt.Println("Interactive mode (Ctrl+C to exit)")
	fmt.Println()
	interactiveChat(supervisor, customerID)
}

func interactiveChat(supervisor *agent.Supervisor, customerID string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".taxdesk_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		reply, err := supervisor.ProcessDirect(context.Background(), customerID, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\nTaxDesk: %s\n\n", reply)
	}
}
