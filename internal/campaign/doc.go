// Package campaign drives executions on the worker fleet.
//
// A Campaign is created for every execution request and moves through
//
//	CREATED -> WARMED_UP -> EXECUTING_SYNC  -> COMPLETED | FAILED
//	                     -> EXECUTING_ASYNC -> COMPLETED | FAILED
//	                     -> DRY_RUN_COMPLETE
//
// Any status before a terminal one may also move to FAILED. Transitions
// only move forward, see TransitionError.
//
// Data flow of a real run:
//
//	Controller          Workers           Exchange            Dispatcher
//	    |  EnsureAlive ---->|                  |                   |
//	    |<---- port --------|                  |                   |
//	    |  WriteInputManifest ---------------->|                   |
//	    |  patch workflow, submit -------------------------------->|
//	    |<--------------------------------------------- result ----|
//	    |  ReadOutputManifest, Cleanup ------->|                   |
//
// Asynchronous campaigns run the dispatcher on a goroutine. Done of such a
// campaign is closed once the final status is set, Join waits for it and
// collects the outputs. A completed campaign stays active until then.
// Nothing cancels a running campaign.
//
// Failed runs keep their run directory for inspection, the Reaper removes
// stale directories of campaigns which are not active anymore.
package campaign
