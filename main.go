package main

import "github.com/fakeyudi/codexd/cmd"

func main() {
	cmd.Execute()
}
