package main

import (
	"os"

	"github.com/jiangwu1911/memtest/cmd/memtest/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
