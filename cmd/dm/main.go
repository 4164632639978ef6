// RiskWatch - Direct Messaging CLI
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, args []string) error
}

func commands() []command {
	return []command{
		{"register", "register --name N --email E --password P", "Create an account", cmdRegister},
		{"login", "login --email E --password P", "Log in and store the token in the config file", cmdLogin},
		{"rooms", "rooms", "List your conversations, most recent first", cmdRooms},
		{"search", "search <query>", "Find people by name or email", cmdSearch},
		{"chat", "chat <email|user-id>", "Open an interactive conversation", cmdChat},
		{"send", "send <email|user-id> <text...>", "Send one message and wait for delivery", cmdSend},
		{"upload", "upload <email|user-id> <file...>", "Send files as attachments, in order", cmdUpload},
		{"fetch", "fetch <attachment-id> [-o path]", "Download an attachment", cmdFetch},
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name, args := os.Args[1], os.Args[2:]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}

	for _, c := range commands() {
		if c.name != name {
			continue
		}
		err := c.run(ctx, args)
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		if err != nil {
			color.Red("Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
	printUsage()
	os.Exit(1)
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: dm <command> [flags] [args]")
	fmt.Println()
	yellow.Println("Commands:")
	for _, c := range commands() {
		fmt.Printf("  %-40s %s\n", c.usage, c.summary)
	}
	fmt.Println()
	yellow.Println("Common flags:")
	fmt.Println("  --config PATH          CLI config file (default $RISKWATCH_DM_CONFIG or the user config dir)")
	fmt.Println("  --server URL           Server base URL (default http://localhost:8000)")
	fmt.Println("  --token TOKEN          Bearer token (default $RISKWATCH_TOKEN or the config file)")
	fmt.Println("  --send-timeout DUR     Acknowledgment timeout (default 10s)")
	fmt.Println("  -v, --verbose          Log connection activity to stderr")
	fmt.Println()
	yellow.Println("Config file (YAML, ${VAR} is expanded):")
	fmt.Println("  server: https://chat.example.com")
	fmt.Println("  token: ${RISKWATCH_TOKEN}")
	fmt.Println("  send_timeout: 10s")
	fmt.Println()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
