package main

import (
	"os"

	"github.com/schedulezero/schedulezero/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
