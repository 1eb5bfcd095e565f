/*
Package proxy maintains the pool of proxy endpoints that worker sessions are assigned to.

The pool is rebuilt from a line-based provider source and handed out one endpoint at a
time, least recently used first.

Key Components:

  - Provider: Interface that expands one source line into concrete endpoints
  - System: Enum type naming the expansion rule (oxylabs, smartproxy, plain)
  - Pool: Resync and Lease over an injected Store
  - ParseSource / ReadSourceFile: source parsing

Source Format:

Every line is colon-delimited. The first field selects the expansion rule:

 1. Oxylabs (first field contains "oxylabs"):
    - host:port:username:password
    - 20 endpoints, username suffixed with -sessid-<random id>

 2. Smartproxy (first field contains "smartproxy"):
    - host:port:username:password
    - port 10000 selects 10 ports out of 10001-10200, anything else 20 out of 20001-20200

 3. Plain:
    - host:port for an unauthenticated endpoint
    - host:port:username:password[:...] for an authenticated one

Blank lines are skipped. Any other line makes the whole source invalid (ErrMalformedSource)
and nothing is written.

Usage Example:

	pool := proxy.NewPool(db, logger, proxy.Options{
		Primary:      true,
		SnapshotPath: "proxies.json",
	})

	active, err := pool.ResyncFile(ctx, "proxies.txt")
	if err != nil {
		log.Fatal(err)
	}

	p, err := pool.Lease(ctx)
	if err != nil {
		log.Fatal(err)
	}

Resync:

Resync is a replace-set sync: deactivate everything, upsert the new snapshot as active,
prune what is still inactive. The store does this in one transaction, and the pool holds
its lock for the duration so no Lease on this instance observes the intermediate state.
Only a pool created with Primary set may resync; others get ErrNotPrimary.

Lease:

Lease blocks while the pool is empty, polling every RetryDelay (5s by default) until an
endpoint appears or the context is cancelled. Store errors are logged and retried on the
same cadence.
*/
package proxy
