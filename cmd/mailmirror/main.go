package main

import (
	"os"

	"github.com/nhle/mailmirror/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
