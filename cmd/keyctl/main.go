package main

import "github.com/kenneth/field-keyguard/internal/cli"

func main() {
	cli.Execute()
}
