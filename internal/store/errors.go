package store

import "errors"

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrDuplicateKey      = errors.New("already exists")
	ErrUpgradeInProgress = errors.New("an upgrade is already in progress")
	ErrIllegalTransition = errors.New("illegal status transition")
)
