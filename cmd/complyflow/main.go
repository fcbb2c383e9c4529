// Command complyflow materializes compliance workflows, pins them in
// lockfiles and watches their rule sources for drift.
package main

import (
	"context"
	"os"

	"github.com/roach88/complyflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
