// Package main is responsible for the command-line interface of fragproxy.
package main

import "github.com/rafalfr/fragproxy/internal/cmd"

func main() {
	cmd.Main()
}
