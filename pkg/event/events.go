package event

import (
	"fmt"

	"github.com/webdunesurfer/lesocket/pkg/transport"
)

const (
	TopicConnectionEstablished = "connection.established"
	TopicConnectionLost        = "connection.lost"
	TopicLoginSucceeded        = "login.succeeded"
	TopicLoginFailed           = "login.failed"
	TopicLoginAccepted         = "login.accepted"
	TopicDataUpdated           = "data.updated"
)

// ConnectionEstablished is published by the client once the transport is up.
type ConnectionEstablished struct {
	Remote string
}

func (ConnectionEstablished) Topic() string { return TopicConnectionEstablished }

func (e ConnectionEstablished) String() string {
	return fmt.Sprintf("Connection to %s established", e.Remote)
}

// ConnectionLost is published by the client when the transport closes.
type ConnectionLost struct {
	Remote string
	Err    error
}

func (ConnectionLost) Topic() string { return TopicConnectionLost }

func (e ConnectionLost) String() string {
	return fmt.Sprintf("Connection to %s was lost", e.Remote)
}

// LoginSucceeded resolves the pending attempt with the same correlation id.
type LoginSucceeded struct {
	CorrelationID string
}

func (LoginSucceeded) Topic() string { return TopicLoginSucceeded }

// LoginFailed covers rejections and send failures alike.
type LoginFailed struct {
	CorrelationID string
	Reason        string
}

func (LoginFailed) Topic() string { return TopicLoginFailed }

func (e LoginFailed) String() string {
	return fmt.Sprintf("Login %s failed: %s", e.CorrelationID, e.Reason)
}

// LoginAccepted is published by the server login handler; the registry consumes it.
type LoginAccepted struct {
	Channel transport.Channel
	Login   string
}

func (LoginAccepted) Topic() string { return TopicLoginAccepted }

func (e LoginAccepted) String() string {
	return fmt.Sprintf("Client %s logged in", e.Login)
}

// DataUpdated carries the single element appended to the repository.
type DataUpdated struct {
	Element string
}

func (DataUpdated) Topic() string { return TopicDataUpdated }

func (e DataUpdated) String() string {
	return fmt.Sprintf("Data update: %s", e.Element)
}
