package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/snakepit-dev/snakepit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		// The program's own output already explains a non-zero exit.
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
