package main

import "mullproxy/internal/cli"

func main() {
	cli.Execute()
}
