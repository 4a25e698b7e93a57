// Package model contains the domain types of the merge queue: pull requests,
// their mergeability, commit statuses and the events received from GitHub.
package model
