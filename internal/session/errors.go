package session

import "errors"

var ErrManagerClosed = errors.New("session manager closed")
