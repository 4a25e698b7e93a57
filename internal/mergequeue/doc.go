// Package mergequeue implements a merge queue for GitHub pull requests.
//
// Pull requests that are labeled with the integration label are queued per
// target (base) branch. For every target branch a MergeService integrates
// the queued pull requests one after the other: it waits until a pull
// request is mergeable, updates it with its target branch when it is behind,
// waits for its status checks and merges it.
//
// The state of a MergeService is only modified by its event loop, by applying
// events via Reduce. Feedback processes observe the state changes, run
// GitHub API operations asynchronously and feed their results back as events.
// A running feedback operation is cancelled when the part of the state it was
// started for changes.
//
// The DispatchService routes GitHub webhook events to the MergeService of
// the affected branch. It creates MergeServices on demand and removes them
// when they were idle for a while.
package mergequeue
