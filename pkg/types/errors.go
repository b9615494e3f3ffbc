package types

import "errors"

var (
	// ErrRecordUnreadable marks a missing or malformed annotation record. The record is skipped.
	ErrRecordUnreadable = errors.New("annotation record unreadable")
	// ErrImageUnreadable marks a missing or undecodable source image. Its regions are skipped.
	ErrImageUnreadable = errors.New("source image unreadable")
	// ErrWriteFailure marks a local filesystem write error. It aborts the export run.
	ErrWriteFailure = errors.New("local write failure")
	// ErrRemoteDirectory marks a remote directory that could not be entered or created.
	ErrRemoteDirectory = errors.New("remote directory error")
	// ErrRemoteUpload marks a single failed remote upload.
	ErrRemoteUpload = errors.New("remote upload error")
)
