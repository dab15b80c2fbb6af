package main

import (
	"os"

	"github.com/pairlink/sessiond/cmd/sessionctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
