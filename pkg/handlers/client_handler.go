package handlers

// ClientMessageHandler is the set of hooks and channels a transport uses to talk
// to the matchmaker. One is created per transport, and the handler name is
// recorded against every client it opens so outbound messages find their way back.
type ClientMessageHandler struct {
	Name string

	// OpenClient registers a new live connection and returns its identifier.
	OpenClient      func() (string, error)
	MarkClientGone  func(clientId string)
	IsClientLive    func(clientId string) bool
	GetNowTimestamp func() int64
	GetStats        func() ServerStats

	IncomingMessageChannel chan<- ClientMessage
	IncomingCloseRequests  chan<- ClientCloseCommand

	OutgoingMessageChannel <-chan OutgoingClientMessage
}

type ServerStats struct {
	Connections int `json:"connections"`
	Waiting     int `json:"waiting"`
	Sessions    int `json:"sessions"`
}
