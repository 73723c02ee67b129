package consts

import "errors"

var (
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBMigrationLocked         = errors.New("migration lock held by another process")
	ErrMalformedMessage          = errors.New("malformed message")
)
