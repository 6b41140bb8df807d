package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorAlreadyInProgress signals that an equivalent operation was started
// recently and the caller should not start another one.
var ErrorAlreadyInProgress = errors.New("already in progress")

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
