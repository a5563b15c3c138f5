package main

import "remedy/cmd/cli"

func main() {
	cli.Execute()
}
