// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parley-chat/parley/internal/app"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley client <client-directory>")
			os.Exit(1)
		}
		runClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Client directory does not exist: %s", absDir)
	}

	a, err := app.New(absDir)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	fmt.Printf("Parley v%s\n", appVersion)
	fmt.Printf("  client dir : %s\n", absDir)
	fmt.Printf("  signaling  : %s\n", a.Cfg.Signal.URL)
	fmt.Printf("  relay      : %s\n", a.Cfg.Relay.Addr)
	fmt.Printf("  api        : http://%s\n", a.Cfg.API.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Parley - calls and messaging")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley client <directory>  Run the client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  client <directory>")
	fmt.Println("        Run a client from the specified directory")
	fmt.Println("        The directory holds config.json, the identity file, and the local database")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
