package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nyxd/internal/app"
)

func main() {
	var (
		cfgPath    string
		showWindow bool
		noTray     bool
		autostart  bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (default: ~/.config/nyxd/config.yaml)")
	flag.BoolVar(&showWindow, "show-window", false, "ask the frontend to open the main window on startup")
	flag.BoolVar(&noTray, "no-tray", false, "ask the frontend to suppress the main tray affordance")
	flag.BoolVar(&autostart, "autostart", false, "mark this launch as session autostart")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{
		ConfigPath:   cfgPath,
		ShowWindow:   showWindow,
		SuppressTray: noTray,
		Autostarted:  autostart,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		a.Stop(5 * time.Second)
		os.Exit(1)
	}

	<-a.Done()
	a.Stop(10 * time.Second)

	if err := a.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
