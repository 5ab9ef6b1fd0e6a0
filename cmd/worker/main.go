package main

import (
	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/app"
)

func main() {
	if err := app.RunWorker(); err != nil {
		logrus.Fatalf("Worker failed: %v", err)
	}
}
