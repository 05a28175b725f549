package chat

import (
	"errors"
	"fmt"

	"github.com/unilink/chatd/internal/store"
)

// Code classifies a chat error for transports.
type Code string

const (
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodePermissionDenied   Code = "permission_denied"
	CodeUnavailable        Code = "unavailable"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeInternal           Code = "internal"
)

// Error is a classified chat error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

var (
	ErrEmptyContent         = &Error{Code: CodeInvalidArgument, Message: "message content is empty"}
	ErrMissingUser          = &Error{Code: CodeInvalidArgument, Message: "user id is required"}
	ErrMissingConversation  = &Error{Code: CodeInvalidArgument, Message: "conversation id is required"}
	ErrSelfConversation     = &Error{Code: CodeInvalidArgument, Message: "cannot start a conversation with yourself"}
	ErrNotParticipant       = &Error{Code: CodePermissionDenied, Message: "not a participant of this conversation"}
	ErrConversationNotFound = &Error{Code: CodeNotFound, Message: "conversation not found"}
	ErrNoActiveConversation = &Error{Code: CodeFailedPrecondition, Message: "no active conversation"}
)

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for any other non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func unavailable(op string, err error) error {
	return &Error{Code: CodeUnavailable, Message: op, Cause: err}
}

// fromStore maps store errors onto the chat taxonomy. Anything the store
// does not classify is treated as a transient store failure.
func fromStore(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	case errors.Is(err, store.ErrNotParticipant):
		return ErrNotParticipant
	case errors.Is(err, store.ErrEmptyContent):
		return ErrEmptyContent
	case errors.Is(err, store.ErrSamePair):
		return ErrSelfConversation
	default:
		return unavailable(op, err)
	}
}
