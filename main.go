package main

import (
	"fmt"
)

func main() {
	fmt.Println("goaldy-sync - Offline-First Record Synchronization")
	fmt.Println("==================================================")
	fmt.Println()
	fmt.Println("goaldy-sync keeps a device's records usable offline and reconciles them")
	fmt.Println("with a shared backend once connectivity returns, converging all replicas")
	fmt.Println("without losing concurrent edits.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  goaldylite/  Client engine: SQLite local store, per-entity repositories")
	fmt.Println("               with pluggable conflict policies, change queue, orchestrator")
	fmt.Println()
	fmt.Println("  goaldysync/  Reference backend: Postgres sidecar store, JWT-authenticated")
	fmt.Println("               HTTP handlers for changed-since reads and idempotent upserts")
	fmt.Println()
	fmt.Println("  cmd/goaldyd  Backend daemon. Run: go run ./cmd/goaldyd serve")
}
