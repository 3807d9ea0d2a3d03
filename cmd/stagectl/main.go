package main

import "github.com/dkeye/Stage/internal/cli"

func main() {
	cli.Execute()
}
