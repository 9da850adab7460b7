// Package incident is the business core of the commander: the Incident record,
// its stage results, the status state machine that keeps the two consistent,
// and the Store interface that persists it.
//
// Every mutation goes through the methods on Incident (Apply, ForceResolve,
// Close, RecordFailure) so memory and postgres stores enforce identical rules.
package incident
