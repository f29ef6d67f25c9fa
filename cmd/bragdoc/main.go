package main

import (
	"os"

	"github.com/matthewmueller/bragdoc/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
