package main

import "github.com/kamusis/pkgidx/cmd"

func main() {
	cmd.Execute()
}
