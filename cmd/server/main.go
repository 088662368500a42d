package main

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"matrixci/internal/core"
	"matrixci/internal/history"
	"matrixci/internal/security"
	"matrixci/internal/server"
)

func main() {
	var (
		addr       = pflag.String("addr", "", "listen address (default :8080, or PORT env)")
		logDir     = pflag.String("logs", "./logs", "directory for step logs")
		journalLoc = pflag.String("journal", "./journal.jsonl", "run journal file, empty disables the journal")
		keyDir     = pflag.String("keys", "./keys", "directory for the journal signing keypair")
	)
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	runner := core.NewRunner(*logDir, logger)
	if *journalLoc != "" {
		journal, err := history.Open(*journalLoc)
		if err != nil {
			logger.Error("cannot open journal", "path", *journalLoc, "error", err)
			os.Exit(1)
		}
		pub, priv, err := security.EnsureKeyPair(
			filepath.Join(*keyDir, "server.pub"),
			filepath.Join(*keyDir, "server.priv"),
		)
		if err != nil {
			logger.Error("cannot init signing keys", "error", err)
			os.Exit(1)
		}
		runner.Journal = journal
		runner.SigningKey = priv
		runner.PublicKey = pub
	}

	listen := *addr
	if listen == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		listen = ":" + port
	}

	srv := server.New(runner, logger)
	logger.Info("matrixci server listening", "addr", listen)
	if err := http.ListenAndServe(listen, srv.Routes()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
