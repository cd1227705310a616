package main

import "github.com/samsaffron/toolrelay/cmd"

func main() {
	cmd.Execute()
}
