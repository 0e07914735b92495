// Package arbitrage finds profitable cycles across constant product pools.
//
// A Registry holds pools and their reserves. Enumerate walks the token graph
// of a Snapshot and returns every simple cycle of 2..MaxHops hops through a
// base token; for P eligible pools and H hops the walk is O(P^H) in the worst
// case, which is why pools that cannot reach the base within H hops are
// dropped before the walk starts. Optimize scans input amounts on one path
// with exact integer math, and a Reporter runs Optimize over many paths in
// parallel on one frozen snapshot. Session ties these together and makes
// sure that of two overlapping triggers only the newer one delivers results.
//
// Reported profit is gross: gas and execution risk are left to the executor.
package arbitrage
