package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sitewise/sitewise/app/archiver"
	"github.com/sitewise/sitewise/pkg/period"
)

func main() {
	_ = godotenv.Load()

	site := flag.Uint64("site", 0, "archive a single site and exit")
	date := flag.String("date", "", "date or inclusive range to archive in one-shot mode (YYYY-MM-DD or YYYY-MM-DD,YYYY-MM-DD, default today)")
	force := flag.Bool("force", false, "invalidate before archiving in one-shot mode")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := archiver.Initialize(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archiver init:", err)
		os.Exit(1)
	}

	if *site != 0 {
		start := time.Now().UTC()
		end := start
		if *date != "" {
			parts := strings.SplitN(*date, ",", 2)
			start, err = period.ParseDate(parts[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			end = start
			if len(parts) == 2 {
				end, err = period.ParseDate(parts[1])
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
			}
		}
		summary := app.RunSite(ctx, *site, start, end, *force)
		app.Runner.Stop()
		for _, e := range summary.Errors {
			fmt.Fprintln(os.Stderr, e)
		}
		if len(summary.Errors) > 0 {
			os.Exit(1)
		}
		return
	}

	app.Start(ctx)
}
