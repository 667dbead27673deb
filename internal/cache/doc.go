// Package cache provides the sharded LRU cache that holds compiled compute
// programs per device.
//
// Keys are program digests (source hash, entry points, shader model).
// Values are created at most once per key while the key stays cached:
// GetOrCreate runs the create function under the shard lock, so concurrent
// loads of the same program compile it once.
//
//	c := cache.NewSharded[string, *Program](64, cache.StringHasher)
//	p, err := c.GetOrCreate(key, compile)
//
// Evicted values are handed to the OnEvict callback so that device
// resources can be released.
package cache
