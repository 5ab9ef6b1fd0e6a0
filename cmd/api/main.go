package main

import (
	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/app"
)

func main() {
	if err := app.RunAPI(); err != nil {
		logrus.Fatalf("API failed: %v", err)
	}
}
