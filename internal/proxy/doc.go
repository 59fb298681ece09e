// Package proxy decides which intermediary, if any, a connection should go
// through.
//
// A Selector reads protocol-prefixed properties such as https.proxyHost or
// socksProxyHost, honours the matching nonProxyHosts patterns and returns an
// ordered list of Descriptors. Proxy addresses stay unresolved until connect
// time.
package proxy
