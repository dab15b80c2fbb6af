// Package main is the entry point for the sessiond load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate:  Observer saturation test — opens N idle observer connections
//   - lifecycle: Session lifecycle load test — creates sessions and measures
//     time to pairing code, connection, and readiness
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "lifecycle":
		runLifecycle(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate     Observer saturation test — opens N idle observer connections")
	fmt.Println("  lifecycle    Session lifecycle load test — create sessions, time pairing and readiness")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
