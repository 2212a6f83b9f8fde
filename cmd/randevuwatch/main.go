package main

import "github.com/example/randevu-watch/internal/cli"

func main() {
	cli.Execute()
}
