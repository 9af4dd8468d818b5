package websocket

// Client -> server message types.
const (
	TypeCreateSession      = "create_session"
	TypeJoinSession        = "join_session"
	TypeMessage            = "message"
	TypeStopAgent          = "stop_agent"
	TypeStopRound          = "stop_round"
	TypeResume             = "resume"
	TypeCancel             = "cancel"
	TypeDirectMessage      = "direct_message"
	TypeAddAgent           = "add_agent"
	TypeRemoveAgent        = "remove_agent"
	TypeAck                = "ack"
	TypePermissionResponse = "permission_response"

	TypeCardCreate   = "card_create"
	TypeCardUpdate   = "card_update"
	TypeCardDelete   = "card_delete"
	TypeCardList     = "card_list"
	TypeCardStart    = "card_start"
	TypeCardDelegate = "card_delegate"
	TypeCardDone     = "card_done"
)

// Error codes carried in error events.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
	ErrorCodeRateLimited   = "RATE_LIMITED"
	ErrorCodeNotJoined     = "NOT_JOINED"
)
