package main

import (
	"os"

	"github.com/elissabot/elissa/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
