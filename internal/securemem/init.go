// Package securemem keeps the shared authentication secret in memguard
// enclaves so it never sits in ordinary heap memory longer than one HMAC
// computation.
//
// Importing the package installs memguard's interrupt handler, which wipes
// every live enclave before the process exits on SIGINT.
package securemem

import "github.com/awnumar/memguard"

func init() {
	Init()
}

// Init installs memguard's interrupt handler.
func Init() {
	memguard.CatchInterrupt()
}

// Purge destroys every live secret. Call it on daemon shutdown.
func Purge() {
	memguard.Purge()
}
