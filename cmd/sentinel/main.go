package main

import "github.com/p-blackswan/sentinel/internal/cli"

func main() {
	cli.Execute()
}
