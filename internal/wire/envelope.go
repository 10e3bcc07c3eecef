package wire

import "fmt"

// Shape classifies a valid envelope. Exactly one shape holds per envelope.
type Shape int

const (
	// ShapeRequest carries a method and a correlation id
	ShapeRequest Shape = iota
	// ShapeNotification carries a method and no id
	ShapeNotification
	// ShapeResponse carries an id and exactly one of result or error
	ShapeResponse
)

func (s Shape) String() string {
	switch s {
	case ShapeRequest:
		return "request"
	case ShapeNotification:
		return "notification"
	case ShapeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ErrorObject is the error payload of a response envelope.
type ErrorObject struct {
	Code    int64
	Message string
	Data    *Value
}

// Remote converts the payload into a RemoteError.
func (e *ErrorObject) Remote() *RemoteError {
	return &RemoteError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// Envelope is one JSON-RPC message. The zero Method/nil fields encode the
// three shapes; see Shape.
type Envelope struct {
	ID     *int64
	Method string
	Params *Value
	Result *Value
	Error  *ErrorObject
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, params *Value) *Envelope {
	return &Envelope{ID: &id, Method: method, Params: params}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params *Value) *Envelope {
	return &Envelope{Method: method, Params: params}
}

// NewResult builds a response envelope carrying a result.
func NewResult(id int64, result Value) *Envelope {
	return &Envelope{ID: &id, Result: &result}
}

// NewError builds a response envelope carrying an error payload.
func NewError(id int64, code int64, message string) *Envelope {
	return &Envelope{ID: &id, Error: &ErrorObject{Code: code, Message: message}}
}

// Shape validates the envelope and returns which of the three valid shapes
// it satisfies.
func (e *Envelope) Shape() (Shape, error) {
	hasID := e.ID != nil
	hasMethod := e.Method != ""
	hasResult := e.Result != nil
	hasError := e.Error != nil

	switch {
	case hasMethod && hasID && !hasResult && !hasError:
		return ShapeRequest, nil
	case hasMethod && !hasID && !hasResult && !hasError:
		return ShapeNotification, nil
	case !hasMethod && hasID && hasResult != hasError:
		return ShapeResponse, nil
	}
	return 0, &MalformedError{Reason: fmt.Sprintf(
		"envelope matches no valid shape (id=%v method=%q result=%v error=%v)",
		hasID, e.Method, hasResult, hasError)}
}

// Encode serializes the envelope to wire bytes.
func (e *Envelope) Encode() ([]byte, error) {
	if _, err := e.Shape(); err != nil {
		return nil, err
	}

	fields := []Field{F("jsonrpc", String("2.0"))}
	if e.ID != nil {
		fields = append(fields, F("id", Int(*e.ID)))
	}
	if e.Method != "" {
		fields = append(fields, F("method", String(e.Method)))
	}
	if e.Params != nil {
		fields = append(fields, F("params", *e.Params))
	}
	if e.Result != nil {
		fields = append(fields, F("result", *e.Result))
	}
	if e.Error != nil {
		errFields := []Field{
			F("code", Int(e.Error.Code)),
			F("message", String(e.Error.Message)),
		}
		if e.Error.Data != nil {
			errFields = append(errFields, F("data", *e.Error.Data))
		}
		fields = append(fields, F("error", Object(errFields...)))
	}
	return Object(fields...).JSON(), nil
}

// Decode parses wire bytes into an envelope and validates its shape.
func Decode(data []byte) (*Envelope, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if v.Kind() != KindObject {
		return nil, &MalformedError{Reason: "envelope is not an object"}
	}

	env := &Envelope{}

	if idVal, ok := v.Get("id"); ok && !idVal.IsNull() {
		id, ok := idVal.IntVal()
		if !ok {
			return nil, &MalformedError{Reason: "envelope id is not a number"}
		}
		env.ID = &id
	}
	if methodVal, ok := v.Get("method"); ok {
		method, ok := methodVal.Str()
		if !ok {
			return nil, &MalformedError{Reason: "envelope method is not a string"}
		}
		env.Method = method
	}
	if params, ok := v.Get("params"); ok {
		env.Params = &params
	}
	if result, ok := v.Get("result"); ok {
		env.Result = &result
	}
	if errVal, ok := v.Get("error"); ok && !errVal.IsNull() {
		if errVal.Kind() != KindObject {
			return nil, &MalformedError{Reason: "envelope error is not an object"}
		}
		obj := &ErrorObject{}
		if codeVal, ok := errVal.Get("code"); ok {
			code, ok := codeVal.IntVal()
			if !ok {
				return nil, &MalformedError{Reason: "error code is not a number"}
			}
			obj.Code = code
		}
		if msgVal, ok := errVal.Get("message"); ok {
			msg, _ := msgVal.Str()
			obj.Message = msg
		}
		if dataVal, ok := errVal.Get("data"); ok {
			obj.Data = &dataVal
		}
		env.Error = obj
	}

	if _, err := env.Shape(); err != nil {
		return nil, err
	}
	return env, nil
}
