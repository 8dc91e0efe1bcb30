package publisher

import "errors"

// Failure taxonomy surfaced from Start. Transient subprocess faults are not
// errors here; they drive the internal reconnect policy and show up only as
// error_count/last_error on status reads.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrAuthentication     = errors.New("authentication failed")
	ErrRemoteRegistration = errors.New("remote registration rejected")
	ErrProcessSpawn       = errors.New("relay process spawn failed")
)
