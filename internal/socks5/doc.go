// Package socks5 holds the SOCKS handshakes used by liveproxy.
//
// The SOCKS5 side wraps the wire types in github.com/txthinking/socks5 so the
// validator, the upstream dialers and the rotation server's SOCKS5 front all
// negotiate the same way. SOCKS4 CONNECT is small enough to be written out
// directly; it lives here because callers treat both versions alike.
//
// Only CONNECT is supported. BIND and UDP ASSOCIATE are answered with
// "command not supported".
package socks5
