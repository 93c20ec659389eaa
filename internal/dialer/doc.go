// Package dialer opens TCP connections through a single proxy.
//
// Each dialer speaks the proxy's own protocol: HTTP CONNECT for HTTP and
// HTTPS proxies, SOCKS4 and SOCKS5 CONNECT otherwise. The validator uses them
// to exercise candidates and the rotation server uses them to reach the
// current upstream. Errors are classified with internal/proxyerr so callers
// can tell a dead proxy from a slow one or a rude one.
package dialer
