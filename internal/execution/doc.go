// Package execution drives executions through quote, simulation, approval,
// signing and confirmation. The Coordinator is the only writer of execution
// state; every transition is a compare-and-swap against the Store.
package execution
