package main

import (
	"os"

	"github.com/lingaplink/csrfkit/cmd/csrfkit/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
