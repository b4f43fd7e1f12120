package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Subprotocol is the websocket subprotocol spoken by the upstream.
const Subprotocol = "graphql-ws"

// graphql-ws message types.
const (
	msgConnectionInit      = "connection_init"
	msgConnectionAck       = "connection_ack"
	msgConnectionError     = "connection_error"
	msgConnectionTerminate = "connection_terminate"
	msgKeepAlive           = "ka"
	msgStart               = "start"
	msgStop                = "stop"
	msgData                = "data"
	msgError               = "error"
	msgComplete            = "complete"
)

// message is a graphql-ws protocol frame.
type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// dataPayload is the payload of a "data" frame.
type dataPayload struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// graphqlError is one entry of a GraphQL errors list.
type graphqlError struct {
	Message string `json:"message"`
}

// newMessage builds a frame, encoding payload when present.
func newMessage(id, typ string, payload any) (message, error) {
	msg := message{ID: id, Type: typ}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// payloadError renders an error or connection_error payload for logs and errors.
func payloadError(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "no details"
	}

	var list []graphqlError
	if err := json.Unmarshal(payload, &list); err == nil && len(list) > 0 {
		return joinGraphQLErrors(list)
	}

	var single graphqlError
	if err := json.Unmarshal(payload, &single); err == nil && single.Message != "" {
		return single.Message
	}

	return string(payload)
}

func joinGraphQLErrors(list []graphqlError) string {
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
