package main

import (
	"os"

	"github.com/stepforge/stepforge/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
