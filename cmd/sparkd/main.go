package main

import "github.com/paperspark/spark/internal/cli"

func main() {
	cli.Execute()
}
