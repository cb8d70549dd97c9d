package errs

// Error codes for the sync engine. 1xxx rejects a call before any remote
// I/O happens; 2xxx means the remote store refused or failed the mutation;
// 3xxx is the gateway auth surface.
const (
	ArgsErrorCode           = 1001 // bad input (empty text, malformed id)
	NoConversationErrorCode = 1002 // command issued with no conversation open
	RecordNotFoundErrorCode = 1003 // edit/delete target not in the transcript

	RemoteErrorCode = 2001 // store mutation rejected or unreachable

	TokenExpiredErrorCode   = 3001
	TokenMalformedErrorCode = 3002
)

var (
	ErrArgs           = NewCodeError(ArgsErrorCode, "invalid argument")
	ErrNoConversation = NewCodeError(NoConversationErrorCode, "no conversation open")
	ErrRecordNotFound = NewCodeError(RecordNotFoundErrorCode, "record not found")

	ErrRemoteOperation = NewCodeError(RemoteErrorCode, "remote operation failed")

	ErrTokenExpired   = NewCodeError(TokenExpiredErrorCode, "token expired")
	ErrTokenMalformed = NewCodeError(TokenMalformedErrorCode, "token malformed")
)
