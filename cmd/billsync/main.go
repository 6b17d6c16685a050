package main

import (
	"os"

	"github.com/aristath/billsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
