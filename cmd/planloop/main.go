// Command planloop drives coding-agent sessions through a task plan.
package main

import (
	"os"

	"github.com/Iron-Ham/planloop/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
