package session

// Event names carried on the peer control channel.
const (
	EventCreateSession  = "create-session"
	EventJoinSession    = "join-session"
	EventFileInfo       = "file-info"
	EventFileChunk      = "file-chunk"
	EventAcceptTransfer = "accept-transfer"
	EventDownloadDone   = "download-complete"
	EventTransferSpeed  = "transfer-speed"
	EventRequestNATInfo = "request-nat-info"

	EventReceiverConnected    = "receiver-connected"
	EventStartTransfer        = "start-transfer"
	EventChunkAck             = "chunk-ack"
	EventChunkError           = "chunk-error"
	EventTransferProgress     = "transfer-progress"
	EventTransferComplete     = "transfer-complete"
	EventReceiverDisconnected = "receiver-disconnected"
	EventConnectionLost       = "connection-lost"
	EventSizeMismatch         = "size-mismatch"
	EventError                = "error"

	EventP2PReceiverReady = "receiver-ready-p2p"
	EventP2POffer         = "p2p-offer"
	EventP2PAnswer        = "p2p-answer"
	EventP2PICECandidate  = "p2p-ice-candidate"
	EventP2PNATInfo       = "p2p-nat-info"
	EventP2PEstimate      = "p2p-estimate"
	EventP2PProgress      = "p2p-progress"
	EventP2PComplete      = "p2p-complete"
)
