package main

import (
	"os"

	"github.com/argus-tools/argus/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
