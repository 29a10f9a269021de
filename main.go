package main

import "github.com/stephnangue/wearlink/cmd"

func main() {
	cmd.Execute()
}
