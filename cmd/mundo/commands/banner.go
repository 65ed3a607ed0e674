package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/sym"
	"github.com/teranos/mundo/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string, port int, webhook bool) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("%s mundo", sym.Pulse)

	notifications := "log only"
	if webhook {
		notifications = "webhook + websocket"
	}

	pterm.DefaultSection.Println("Info")
	fmt.Printf("  Version:       %s (commit %s)\n", info.Version, info.Short())
	fmt.Printf("  Built:         %s\n", info.BuildTime)
	fmt.Printf("  Verbosity:     %s\n", logger.LevelName(verbosity))
	fmt.Printf("  Database:      %s\n", dbPath)
	fmt.Printf("  Port:          %d\n", port)
	fmt.Printf("  Notifications: %s\n", notifications)
	fmt.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
