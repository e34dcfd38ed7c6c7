// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeUnknown       MessageType = "unknown"
	MessageTypeLoginRequest  MessageType = "login_request"
	MessageTypeLoginResponse MessageType = "login_response"
	MessageTypeDataUpdate    MessageType = "data_update"
)

// LoginResult is the outcome carried by a LoginResponse.
type LoginResult int32

const (
	LoginResultSuccess LoginResult = iota
	LoginResultAlreadyLogged
	// Reserved rejection reasons. The server never emits them today.
	LoginResultInvalidCredentials
	LoginResultUnavailable
)

func (r LoginResult) String() string {
	switch r {
	case LoginResultSuccess:
		return "SUCCESS"
	case LoginResultAlreadyLogged:
		return "ALREADY_LOGGED"
	case LoginResultInvalidCredentials:
		return "INVALID_CREDENTIALS"
	case LoginResultUnavailable:
		return "UNAVAILABLE"
	default:
		return fmt.Sprintf("LoginResult(%d)", int32(r))
	}
}

type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"-"`
}

type LoginResponse struct {
	Result LoginResult `json:"result"`
}

type DataUpdate struct {
	Label string `json:"label"`
}

// Message is the envelope exchanged on the wire. Exactly one payload is set.
type Message struct {
	CorrelationID string         `json:"correlation_id"`
	LoginRequest  *LoginRequest  `json:"login_request,omitempty"`
	LoginResponse *LoginResponse `json:"login_response,omitempty"`
	DataUpdate    *DataUpdate    `json:"data_update,omitempty"`
}

// Kind reports the active payload, or MessageTypeUnknown when zero or several are set.
func (m *Message) Kind() MessageType {
	if m == nil {
		return MessageTypeUnknown
	}
	kind := MessageTypeUnknown
	set := 0
	if m.LoginRequest != nil {
		kind = MessageTypeLoginRequest
		set++
	}
	if m.LoginResponse != nil {
		kind = MessageTypeLoginResponse
		set++
	}
	if m.DataUpdate != nil {
		kind = MessageTypeDataUpdate
		set++
	}
	if set != 1 {
		return MessageTypeUnknown
	}
	return kind
}

func (m *Message) String() string {
	switch m.Kind() {
	case MessageTypeLoginRequest:
		return fmt.Sprintf("%s{id=%s login=%s}", MessageTypeLoginRequest, m.CorrelationID, m.LoginRequest.Login)
	case MessageTypeLoginResponse:
		return fmt.Sprintf("%s{id=%s result=%s}", MessageTypeLoginResponse, m.CorrelationID, m.LoginResponse.Result)
	case MessageTypeDataUpdate:
		return fmt.Sprintf("%s{id=%s label=%s}", MessageTypeDataUpdate, m.CorrelationID, m.DataUpdate.Label)
	default:
		if m == nil {
			return "<nil>"
		}
		return fmt.Sprintf("%s{id=%s}", MessageTypeUnknown, m.CorrelationID)
	}
}

// NewCorrelationID returns a fresh opaque id for requests and unsolicited messages.
func NewCorrelationID() string {
	return uuid.NewString()
}

func NewLoginRequest(login, password string) *Message {
	return &Message{
		CorrelationID: NewCorrelationID(),
		LoginRequest:  &LoginRequest{Login: login, Password: password},
	}
}

// NewLoginResponse answers a request; the correlation id is always the request's.
func NewLoginResponse(correlationID string, result LoginResult) *Message {
	return &Message{
		CorrelationID: correlationID,
		LoginResponse: &LoginResponse{Result: result},
	}
}

func NewDataUpdate(label string) *Message {
	return &Message{
		CorrelationID: NewCorrelationID(),
		DataUpdate:    &DataUpdate{Label: label},
	}
}
