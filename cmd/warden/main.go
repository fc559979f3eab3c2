package main

import "github.com/agentfold/warden/internal/cli"

func main() {
	cli.Execute()
}
