package main

import (
	"os"

	"github.com/harun/tronagent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
