// Package resolver turns host names into addresses.
//
// Numeric literals are parsed directly. Names go through a positive cache, a
// negative cache and then an ordered chain of Providers. Each cache has its
// own TTL policy: Never stores nothing, Forever never expires, and a positive
// duration expires entries lazily on read. Inserting into a cache drops the
// expired entries at the head of its insertion order.
package resolver
