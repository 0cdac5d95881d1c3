// Command gospider is an article crawler with a self-managing proxy pool.
package main

import (
	"fmt"
	"os"

	"github.com/mingzhi-chen/gospider/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
