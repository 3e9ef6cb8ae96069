// Package poll contains the pure voting core: weighted candidate selection,
// the per-round ballot tally, chat command parsing and the notice texts shown
// in chat.
//
// Nothing in this package performs I/O. A Tally is safe for concurrent use;
// it is fed from the chat stream goroutine while the round orchestrator
// reads snapshots and closes it from its own goroutine.
package poll
