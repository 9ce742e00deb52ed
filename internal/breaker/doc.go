// Package breaker isolates storage faults behind a circuit breaker.
//
// A Breaker is Closed while operations succeed, opens after a run of
// consecutive failures, rejects every call with a *CircuitOpenError while
// open, and after a reset timeout lets a bounded number of probe calls
// through (half-open). Enough consecutive probe successes close it again; a
// single probe failure reopens it.
//
// Breakers are cheap. A Group hands out one breaker per operation family so
// that a failing table does not reject calls to a healthy one.
package breaker
