// Package commands defines the sessionctl CLI, a small operational client
// for a running sessiond instance.
//
// Commands
//
//   - create  Provision a session for an identifier
//   - list    List live sessions and their connection state
//   - health  Show service health
//   - watch   Stream lifecycle events over the observer WebSocket
//
// Every command talks to the HTTP API at --addr; watch upgrades the same
// address to a WebSocket connection.
package commands
