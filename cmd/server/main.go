package main

import "github.com/Brownie44l1/detect-api/internal/cli"

func main() {
	cli.Execute()
}
