package nitram

import "encoding/json"

// Reserved wire methods handled by the engine itself. Registering a handler
// under either name is a build error.
const (
	MethodTopicRegister   = "nitram_topic_register"
	MethodTopicDeregister = "nitram_topic_deregister"
)

// Request is the client-to-server wire shape. All three keys are required;
// params may be JSON null.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the server-to-client reply shape. Response carries either the
// handler's value or a formatted error payload; OK tells them apart.
type Response struct {
	ID       string `json:"id"`
	Method   string `json:"method"`
	Response any    `json:"response"`
	OK       bool   `json:"ok"`
}

// ServerMessage is one entry of a push batch. Batches are written as a JSON
// array in a single text frame.
type ServerMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// invalidResponse answers frames that do not parse as a Request.
func invalidResponse() Response {
	return Response{ID: "_err", Method: "_err", Response: "Invalid message, check API", OK: false}
}

// topicParams is the payload of the reserved subscription methods.
type topicParams struct {
	Topic         string          `json:"topic"`
	HandlerParams json.RawMessage `json:"handler_params"`
}

// Convenience parameter shapes shared by most applications.
type (
	// AuthenticateParams carries a token issued by GenerateToken.
	AuthenticateParams struct {
		Token string `json:"token"`
	}

	// IDParams addresses a single entity by id.
	IDParams struct {
		ID string `json:"id"`
	}

	// EmptyParams declares a method that takes no parameters.
	EmptyParams struct{}
)
