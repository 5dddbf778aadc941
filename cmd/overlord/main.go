// Package main provides the overlord CLI: the coordinator process, the
// worker agent and task management commands.
package main

func main() {
	Execute()
}
