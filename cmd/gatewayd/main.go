package main

import (
	"fmt"
	"os"

	"github.com/defai-digital/mlx-serving-sub005/cmd/gatewayd/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
