package main

import "github.com/phoenixkv/phoenix/cmd"

func main() {
	cmd.Execute()
}
