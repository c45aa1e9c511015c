package main

import (
	"flag"
	"log/slog"
	"os"

	"licensegate/internal/app"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	application, err := app.NewApplication()
	if err != nil {
		slog.Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *migrate {
		if err := application.Migrate(); err != nil {
			slog.Error("migration failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("migrations applied")
		return
	}

	if err := application.Run(); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
