package main

import "github.com/docflow-io/docflow/internal/cli"

func main() {
	cli.Execute()
}
