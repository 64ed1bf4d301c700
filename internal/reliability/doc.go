// Package reliability holds the retry policies used when publishing and
// when re-establishing broker connections.
package reliability
