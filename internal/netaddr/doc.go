// Package netaddr provides a tagged IPv4/IPv6 endpoint value with the parse,
// format, clone, and equality semantics expected by the socket and poller
// layers built on top of it.
package netaddr
