package main

import "github.com/example/gym-autobook/cmd"

func main() {
	cmd.Execute()
}
