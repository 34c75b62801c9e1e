// Claude Code Server - task execution daemon for the Claude coding engine
package main

import (
	"os"

	"github.com/cyberelf/claude-code-server/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
