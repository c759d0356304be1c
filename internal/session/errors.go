package session

import "errors"

// ErrNoActiveSession is returned by SessionEnded when no session is being
// journaled.
var ErrNoActiveSession = errors.New("no active session")
