package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/tui"
)

func main() {
	var (
		url  = flag.String("url", "ws://localhost:8091/observer/ws", "observer ws url")
		name = flag.String("name", "monitor", "observer name")
	)
	flag.Parse()

	p := tea.NewProgram(
		tui.NewApp(*url, tui.WithObserverName(*name)),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
}
