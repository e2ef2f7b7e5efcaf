// Command scorpio runs the agent fleet daemon and its management CLI.
//
//	scorpio serve --config ~/.scorpio/scorpio.yaml
//	scorpio agent register --name builder --skill go=7
//	scorpio task create --title "Rotate keys" --type security --require ops=5
//	scorpio status
//
// Provider keys are read from SCORPIO_PROVIDERS_<NAME>_API_KEY or the usual
// OPENAI_API_KEY, ANTHROPIC_API_KEY and GEMINI_API_KEY variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/scorpio/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
