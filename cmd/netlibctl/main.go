// netlibctl is a small operator CLI for exercising the socket/poller/stream
// library directly: address parsing/formatting and a loopback echo
// client/server, with no RPC backend to dial into.
package main

import "github.com/mjansson/network-lib-sub000/cmd/netlibctl/commands"

func main() {
	commands.Execute()
}
