// Package upstream is the boundary to the external activity source.
//
// The core depends only on the ActivityLister and DetailFetcher interfaces.
// Client implements them against the Strava v3 API; Budget enforces the
// call cap, spacing and rate-limit cushions that the core must respect.
package upstream
