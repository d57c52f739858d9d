package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/ui"
)

// exitCode carries the run outcome (0 ok, 2 partial, 3 total failure)
// from RunE handlers that complete without a hard error.
var exitCode int

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, ui.RenderWarn("interrupted"))
			return etlerr.ExitInterrupt
		}
		fmt.Fprintln(os.Stderr, ui.RenderFail("error: ")+err.Error())
		if k, ok := etlerr.KindOf(err); ok {
			switch k {
			case etlerr.KindConfig, etlerr.KindAuth:
				return etlerr.ExitConfig
			default:
				return etlerr.ExitInternal
			}
		}
		return etlerr.ExitInternal
	}
	if ctx.Err() != nil {
		return etlerr.ExitInterrupt
	}
	return exitCode
}
