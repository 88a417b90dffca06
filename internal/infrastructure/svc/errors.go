package svc

import "errors"

// ErrUnknownMode is returned for a -mode value other than all, bridge or server.
var ErrUnknownMode = errors.New("unknown run mode")

// ErrStorageInitFailed wraps storage open failures.
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrRelayInitFailed wraps relay dial failures.
var ErrRelayInitFailed = errors.New("relay initialization failed")
