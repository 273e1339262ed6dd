package main

import (
	"fmt"
	"os"

	"driftloop/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "driftd:", err)
		os.Exit(2)
	}
	err = application.Run()
	_ = application.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "driftd:", err)
		os.Exit(1)
	}
}
