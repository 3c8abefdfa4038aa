// Package sim drives a simulation run: it builds the agent network, advances
// chain time, lets every agent act once per iteration through registered
// action handlers and aggregates per-iteration statistics.
package sim
