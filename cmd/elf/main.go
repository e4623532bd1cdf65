package main

import "github.com/basekick-labs/elf/internal/cli"

func main() {
	cli.Execute()
}
