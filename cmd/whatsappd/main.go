package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/facilitys/backwhatsapp-baileys/internal/daemon"
)

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for config, databases, logs and media")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: could not resolve a data directory, pass -data-dir")
		os.Exit(1)
	}
	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: *dataDir}),
	)

	app.Run()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".backwhatsapp")
}
