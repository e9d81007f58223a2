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

	"github.com/lumenassist/lumen/internal/app"
	"github.com/lumenassist/lumen/internal/config"
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
		fmt.Printf("Lumen v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: node directory required")
		fmt.Fprintln(os.Stderr, "Usage: lumen <node-directory>")
		os.Exit(1)
	}

	runNode(args[0])
}

func runNode(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Cannot create node directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "lumen.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("CONFIG: wrote defaults to %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		NodeDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Lumen - remote visual assistance node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lumen <directory>     Run a node from the specified directory")
	fmt.Println()
	fmt.Println("The directory holds the node's lumen.json configuration, its")
	fmt.Println("identity key and its session ledger. It is created on first run")
	fmt.Println("with defaults.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(nodeDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Lumen Assistance Node                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Node Directory: %s\n", nodeDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.HTTP.Addr != "" {
		addr := cfg.HTTP.Addr
		if addr[0] == ':' {
			addr = "127.0.0.1" + addr
		}
		fmt.Printf("API:            http://%s\n", addr)
	}
	fmt.Println()
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
