package main

import "marketplace-gateway/cli"

func main() {
	cli.Execute()
}
