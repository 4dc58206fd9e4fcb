package session

import (
	"errors"

	"github.com/guni1192/droprelay/relay/codes"
)

// Error taxonomy shared by the registry, the coordinator and the engines.
// Every one of these is translated to a reason string at the coordinator
// boundary; none of them is fatal to the process.
var (
	ErrInvalidCode    = errors.New("invalid pickup code")
	ErrCodeInUse      = errors.New("pickup code already in use")
	ErrRateLimited    = errors.New("too many attempts")
	ErrUnauthorized   = errors.New("not a member of this session")
	ErrReceiverGone   = errors.New("receiver disconnected")
	ErrSizeMismatch   = errors.New("received size does not match announced size")
	ErrFileInfoLocked = errors.New("file info already announced")
	ErrWrongMode      = errors.New("operation not valid for transfer mode")
	ErrOutOfWindow    = errors.New("previous chunk not yet acknowledged")
	ErrNotReady       = errors.New("receiver not ready")
	ErrSinkBusy       = errors.New("download already in progress")
	ErrBadFileInfo    = errors.New("invalid file info")
)

var reasons = []struct {
	err    error
	reason string
}{
	{codes.ErrInvalidFormat, "Invalid pickup code"},
	{ErrInvalidCode, "Invalid pickup code"},
	{ErrCodeInUse, "This pickup code is already in use"},
	{ErrRateLimited, "Too many attempts, please try again later"},
	{ErrUnauthorized, "Not allowed"},
	{ErrReceiverGone, "Receiver disconnected"},
	{ErrSizeMismatch, "Received size does not match the announced file size"},
	{ErrFileInfoLocked, "File info has already been sent"},
	{ErrWrongMode, "Operation not available in this transfer mode"},
	{ErrOutOfWindow, "Chunk sent before the previous one was acknowledged"},
	{ErrNotReady, "Receiver is not ready yet"},
	{ErrSinkBusy, "A download is already in progress"},
	{ErrBadFileInfo, "Invalid file information"},
	{codes.ErrExhausted, "Server is busy, please try again later"},
}

// Reason maps an error to the human-readable reason sent to the caller.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "Internal error"
}
