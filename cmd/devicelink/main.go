package main

import (
	"context"
	"fmt"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jask/devicelink/internal/agent"
	"github.com/jask/devicelink/internal/config"
	"github.com/jask/devicelink/internal/pairing"
	"github.com/jask/devicelink/internal/tui"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	client := agent.NewClient(cfg.Agent.BaseURL)
	orch := pairing.New(client, pairing.Defaults())

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("flow stopped: %v", err)
		}
	}()

	p := tea.NewProgram(tui.New(ctx, orch, client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
