// Package jobmanager provides the job registry of the spool daemon.
//
// A Job is a long-running command started on behalf of a user. Its worker
// runs detached from the registry and appends the command's combined output
// to a spool file; owners read that file back in fixed-size chunks by
// repeatedly asking the registry to advance their read offset.
//
// A Registry owns the job table, listens on a Unix stream socket and
// dispatches one request per connection. Jobs are identified by a token
// supplied by the client.
package jobmanager
