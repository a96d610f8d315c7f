package main

import (
	"context"
	"fmt"
	"os"

	"github.com/smash-sh/smash/internal/smashd/cli"
)

func main() {
	if err := cli.Root().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
