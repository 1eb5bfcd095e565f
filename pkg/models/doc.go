/*
Package models defines the records the coupon orchestrator persists and the session
states it reports. The types carry bun tags and map one-to-one onto tables.

Core Types:

Proxy is a concrete proxy endpoint produced by a resync:

	type Proxy struct {
		ID       int64      // Unique identifier
		Protocol string     // Always "http" for resynced endpoints
		Host     string     // Part of the unique endpoint key
		Port     string     // Part of the unique endpoint key
		Username string     // Empty for open proxies
		Password string     // Empty for open proxies
		Active   bool       // Leasable; false only during a resync
		LastUsed *time.Time // Last lease, nil if never leased
	}

Coupon is a code that a worker confirmed, in the coupons table:

	type Coupon struct {
		Type          string     // Coupon type, e.g. TEN_OFF
		Code          string     // Unique per type
		Used          bool       // Terminal once true
		Tested        bool
		LastValidDate *time.Time // Last positive verdict
	}

TestPoolCoupon is a candidate waiting for a verdict, in coupon_test_pool:

	type TestPoolCoupon struct {
		Type    string
		Code    string // Unique per type
		Tested  bool   // A verdict has been recorded
		Testing *bool  // Handed out to a worker; NULL counts as false
	}

MasterCode is the fragment shared by the reusable codes of a type. The most recent
loaded one defines the pattern used to find codes worth revalidating:

	\d{10}<master code>\d

CookieSnapshot is an opaque cookie jar a worker posted. Snapshots are appended and
never deduplicated.

SessionState is the lifecycle of a worker session:

	ready -> running -> finished | killed

Usage Example:

	master := models.MasterCode{Type: "TEN_OFF", MasterCode: "MC7", Loaded: true}
	pattern := master.Pattern() // \d{10}MC7\d

	p := models.Proxy{Protocol: "http", Host: "10.0.0.1", Port: "8080", Username: "u", Password: "p"}
	transport := &http.Transport{Proxy: http.ProxyURL(p.URL())}

Thread Safety:

The model structures themselves are not thread-safe. Synchronization is handled by
the services and the database layer.
*/
package models
