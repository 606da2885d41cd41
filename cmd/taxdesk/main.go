// TaxDesk - customer support assistant pipeline
// License: MIT
//
// Copyright (c) 2026 TaxDesk contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/taxdesk/taxdesk/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("taxdesk %s\n", formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	fmt.Printf("  Go: %s\n", runtime.Version())
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd()
	case "chat":
		chatCmd()
	case "version", "--version", "-v":
		printVersion()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("taxdesk - customer support assistant v%s\n\n", version)
	fmt.Println("Usage: taxdesk <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve       Start the webhook pipeline")
	fmt.Println("  chat        Talk to the assistant interactively")
	fmt.Println("  version     Show version information")
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ConfigPath())
}
