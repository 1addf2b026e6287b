package main

import (
	"os"

	"github.com/opd-ai/mixsession/cmd/sessionctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
