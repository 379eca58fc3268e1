package main

import (
	"log"

	"github.com/novelbytelabs/arqonbus/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
