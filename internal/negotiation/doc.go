// Package negotiation drives one offer/answer state machine per remote
// participant ("link") over an abstract Transport.
//
// Both ends of a link compute the same role from the two identities: the
// lexicographically smaller identity is polite and answers, the larger one is
// impolite and makes the first offer. When both ends offer at once (glare)
// the polite end rolls back and answers while the impolite end ignores the
// competing offer, so the pair always converges on a single negotiation.
//
// An Engine is not safe for concurrent use. Every method, and every callback
// it schedules through Config.Dispatch, must run on the same goroutine.
package negotiation
