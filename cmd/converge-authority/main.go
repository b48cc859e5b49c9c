package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/converge-vcs/converge/internal/authority"
	"github.com/converge-vcs/converge/internal/server"
)

func main() {
	var (
		dataDir = flag.String("data-dir", "./converge-data", "authority data directory")
		listen  = flag.String("listen", ":8474", "listen address")
		pretty  = flag.Bool("pretty-logs", false, "human-readable log output")
	)
	flag.Parse()

	var log zerolog.Logger
	if *pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("app", "converge-authority").Logger()
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Str("app", "converge-authority").Logger()
	}

	auth, err := authority.Open(authority.Options{DataDir: *dataDir, Logger: log})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer auth.Close()

	srv := server.New(auth, log)
	log.Info().Str("listen", *listen).Str("data_dir", *dataDir).Msg("authority starting")
	if err := srv.Router().Run(*listen); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
