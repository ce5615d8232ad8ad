package main

import "github.com/farmhand-dev/farmhand/internal/cli"

func main() {
	cli.Execute()
}
