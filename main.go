package main

import "github.com/stephnangue/steward/cmd"

func main() {
	cmd.Execute()
}
