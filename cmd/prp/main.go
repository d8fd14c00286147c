package main

import (
	"os"

	"github.com/imkarma/prp/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
