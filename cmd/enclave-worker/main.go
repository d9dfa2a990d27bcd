// Package main implements the enclave-worker executable.
package main

import (
	"github.com/oasisprotocol/enclave-worker/cmd/enclave-worker/cmd"
)

func main() {
	cmd.Execute()
}
