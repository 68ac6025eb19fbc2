package ipc

import (
	"encoding/json"
	"fmt"

	"drawhost/internal/hosterr"
)

// requestHeader is the part of every envelope the dispatcher reads before
// routing. The remaining fields are decoded per action.
type requestHeader struct {
	Action    Action `json:"action"`
	RequestID int64  `json:"requestId"`
}

// Cause is the only error detail that crosses the boundary.
type Cause struct {
	Code hosterr.Kind `json:"code" msgpack:"code"`
}

// Response is the single reply to a call. On the wire it is exactly one of
// {success, data, requestId} or {error, message, cause, requestId}.
type Response struct {
	RequestID int64
	Success   bool
	Data      any
	Message   string
	Cause     *Cause
}

func success(id int64, data any) *Response {
	return &Response{RequestID: id, Success: true, Data: data}
}

func failure(id int64, kind hosterr.Kind) *Response {
	return &Response{
		RequestID: id,
		Message:   hosterr.UserMessage(kind),
		Cause:     &Cause{Code: kind},
	}
}

// Wire returns the envelope as sent to the peer.
func (r *Response) Wire() map[string]any {
	if r.Success {
		return map[string]any{
			"success":   true,
			"data":      r.Data,
			"requestId": r.RequestID,
		}
	}
	m := map[string]any{
		"error":     true,
		"message":   r.Message,
		"requestId": r.RequestID,
	}
	if r.Cause != nil {
		m["cause"] = r.Cause
	}
	return m
}

// MarshalJSON encodes the wire form.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Wire())
}

// UnmarshalJSON decodes a wire envelope. Data is left as raw JSON.
func (r *Response) UnmarshalJSON(b []byte) error {
	var aux struct {
		Success   bool            `json:"success"`
		Error     bool            `json:"error"`
		Data      json.RawMessage `json:"data"`
		Message   string          `json:"message"`
		Cause     *Cause          `json:"cause"`
		RequestID int64           `json:"requestId"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Success == aux.Error {
		return fmt.Errorf("ipc: envelope must set exactly one of success and error")
	}
	*r = Response{
		RequestID: aux.RequestID,
		Success:   aux.Success,
		Message:   aux.Message,
		Cause:     aux.Cause,
	}
	if aux.Success && len(aux.Data) > 0 {
		r.Data = aux.Data
	}
	return nil
}

// Decode unmarshals the data of a successful response into v.
func (r *Response) Decode(v any) error {
	if !r.Success {
		return r.Err()
	}
	raw, ok := r.Data.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, v)
}

// Err returns the failure carried by r, or nil on success.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	e := &RemoteError{Message: r.Message}
	if r.Cause != nil {
		e.Kind = r.Cause.Code
	}
	return e
}

// RemoteError is a failed call as seen by a bridge client.
type RemoteError struct {
	Kind    hosterr.Kind
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return "ipc: " + e.Message
	}
	return fmt.Sprintf("ipc: %s (%s)", e.Message, e.Kind)
}

// Is matches hosterr sentinels by kind.
func (e *RemoteError) Is(target error) bool {
	var he *hosterr.Error
	if t, ok := target.(*hosterr.Error); ok {
		he = t
	}
	return he != nil && he.Kind == e.Kind
}
