package main

import (
	"fmt"
	"os"
)

func main() {
	config := &CliConfig{
		Name:   "zbdb-inspect",
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Exit:   os.Exit,
	}
	if err := Cli(os.Args[1:], config); err != nil {
		fmt.Fprintf(os.Stderr, "zbdb-inspect: %v\n", err)
		os.Exit(1)
	}
}
