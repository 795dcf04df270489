package main

import "github.com/jmcleod/turnstile/cmd/turnstile/cmd"

func main() {
	cmd.Execute()
}
