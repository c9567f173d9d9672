// Package planning allocates auction start times on a grid of 30-minute
// slots spread over parallel streams of the working day, and releases
// slots whose auctions moved or disappeared.
package planning
