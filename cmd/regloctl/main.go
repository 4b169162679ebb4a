package main

import "github.com/jt05610/reglo/cmd/regloctl/cmd"

func main() {
	cmd.Execute()
}
