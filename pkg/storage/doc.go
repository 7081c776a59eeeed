/*
Package storage defines the key/value storage capability consumed by the
tracker core.

# Storage Locations

A tracker can use three locations, modelled on what a browser offers:

  - cookie: small values with a TTL, shared with the collector domain
  - local: durable key/value storage, used for identifiers, the outbound
    event queue and the cached remote config
  - session: per-tab storage, cleared with the page session

Each location may be missing or unavailable (privacy mode, quota, disabled
storage) independently of the others. The capability never raises: absence
is a signal.

All backends implement Store:

	type Store interface {
	    Get(key string) (string, bool)
	    Set(key, value string, ttl time.Duration) bool
	    Delete(key string) bool
	    Available() bool
	}

# Backends

  - memory: map-backed store with TTL, simulated unavailability and quota
    (tests, degraded mode, cookie jar for server-side use)
  - badger: BadgerDB-backed durable store, used as local storage by
    long-running processes

# Usage Example

	local, err := badger.New(badger.Config{Path: "./data/local"})
	if err != nil {
	    log.Fatal(err)
	}
	defer local.Close()

	stores := storage.Set{
	    Cookie:  memory.New(memory.Options{}),
	    Local:   local,
	    Session: memory.New(memory.Options{}),
	}
*/
package storage
