package main

import (
	"os"

	"github.com/tokenvault/tokenvault/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
