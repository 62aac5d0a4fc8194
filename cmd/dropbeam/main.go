package main

import "github.com/dropbeam/dropbeam/internal/cli"

func main() {
	cli.Execute()
}
