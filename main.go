package main

import "github.com/pressroom/campaign-engine/cmd"

func main() {
	cmd.Execute()
}
