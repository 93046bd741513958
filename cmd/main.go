// Package main is the entry point for the Kiro Gateway.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Version is set at build time via ldflags
var Version = "v0.1.0"

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/kiro-gateway/.env first
	configEnv := filepath.Join(homeDir, ".config", "kiro-gateway", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve", "start":
		err = runServe(args)
	case "login":
		err = runLogin(args)
	case "usage":
		err = runUsage(args)
	case "models":
		err = runModels(args)
	case "version", "-v", "--version":
		fmt.Println("kiro-gateway", Version)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig resolves the config file.
// Checks: user flag -> filesystem locations -> embedded config.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "kiro-gateway", "config.yaml"))
	}
	searchPaths = append(searchPaths, "configs/config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := getEmbeddedConfig("config")
	if err != nil {
		return nil, "", fmt.Errorf("no config file found. Specify --config path")
	}
	return data, "(embedded) config.yaml", nil
}

// printHelp prints usage information
func printHelp() {
	fmt.Println("Kiro Gateway - Anthropic Messages API on a Kiro (CodeWhisperer) account")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kiro-gateway [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway server (default)")
	fmt.Println("  login        Sign in with AWS Builder ID / IAM Identity Center")
	fmt.Println("  usage        Print the account's usage limits")
	fmt.Println("  models       List accepted model ids")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Options (all commands):")
	fmt.Println("  --config FILE    Gateway config (default: ~/.config/kiro-gateway/config.yaml,")
	fmt.Println("                   ./configs/config.yaml, then the built-in default)")
	fmt.Println("  --debug          Enable debug logging")
	fmt.Println()
	fmt.Println("Server Options:")
	fmt.Println("  kiro-gateway serve [--config FILE] [--debug] [--no-banner]")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  KIRO_CREDS_FILE   Credential JSON (default: ~/.aws/sso/cache/kiro-auth-token.json)")
	fmt.Println("  KIRO_LOG_LEVEL    Override monitoring.log_level")
	fmt.Println("  .env files are read from ~/.config/kiro-gateway/.env and the working directory")
}
