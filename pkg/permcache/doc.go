// Package permcache caches computed role and user permission sets with
// TTL expiry and atomic tag-based invalidation.
package permcache
