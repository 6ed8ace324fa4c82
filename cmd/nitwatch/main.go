package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"nitwatch/internal/app"
)

var version = "dev"

type options struct {
	Config  string `short:"c" long:"config" env:"NITWATCH_CONFIG" default:"config.yaml" description:"Path to the config file (YAML or JSON)"`
	Version bool   `short:"V" long:"version" description:"Print version and exit"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "nitwatch"
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println("nitwatch", version)
		return
	}

	a, err := app.New(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nitwatch:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "nitwatch:", err)
		a.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	a.Stop()
}
