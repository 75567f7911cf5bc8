package main

import "github.com/frugisect/frugisect/cmd"

func main() {
	cmd.Execute()
}
