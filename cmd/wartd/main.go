// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command wartd runs the wart worker.
//
//	wartd serve --config wartd.yaml
//	wartd serve --http :8080 --unix /run/wartd.sock
//	wartd serve --stdio
//	wartd describe --url http://localhost:8080/wart
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
