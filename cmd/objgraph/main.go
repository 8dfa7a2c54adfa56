// Command objgraph inspects and mutates a persistent object graph.
package main

import (
	"context"
	"os"

	"github.com/roach88/objgraph/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
