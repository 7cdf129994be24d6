package network

// Client-bound push operations.
const (
	MsgTypeSyncAllClients = 101
	MsgTypeAddClient      = 102
	MsgTypeRemoveClient   = 103
	MsgTypeSetPose        = 110
	MsgTypeSetColor       = 111
	MsgTypeSetVent        = 112
	MsgTypeSetFlags       = 113
	MsgTypeSetHost        = 120
	MsgTypeSetGameState   = 121
	MsgTypeSetGameFlags   = 122
	MsgTypeSetSettings    = 123
	MsgTypeSetOptions     = 124
	MsgTypeError          = 130
)

// Server-bound operations.
const (
	MsgTypeHeartbeat     = 1
	MsgTypeSetOptionsReq = 201
	MsgTypeLeaveRoom     = 202
)
