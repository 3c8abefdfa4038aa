// Package agent models the simulated account owners: their behavioural
// profile, the rate-limited action scheduler, the balance ledger of the
// accounts they control and the manager that indexes agents by address.
package agent
