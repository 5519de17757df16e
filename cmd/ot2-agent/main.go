// Package main provides the entry point for the ot2-agent CLI.
package main

import "yqhp/ot2-agent/cmd"

func main() {
	cmd.Execute()
}
