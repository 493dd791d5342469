// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🛒 go-listsync - Offline-First Shared List Sync")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Println("go-listsync keeps a collaborative shopping list usable with no network:")
	fmt.Println("edits queue locally in SQLite, replay when connectivity returns, and")
	fmt.Println("conflicting edits from other devices are merged or surfaced for the user.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 HTTP Server Example (examples/nethttp_server/)")
	fmt.Println("   The authoritative list server using Go's net/http package")
	fmt.Println("   Features: JWT auth, per-item versioning, mutation idempotency ledger")
	fmt.Println("   Run: cd examples/nethttp_server && go run .")
	fmt.Println()

	fmt.Println("2. 📴 Offline Flow Example (examples/offline_flow/)")
	fmt.Println("   Two simulated devices editing one list through outages")
	fmt.Println("   Features: offline queueing, crash replay, automatic conflict merging")
	fmt.Println("   Run: cd examples/offline_flow && go run .")
	fmt.Println()
}
