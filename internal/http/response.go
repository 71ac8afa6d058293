package http

import (
	"encoding/json"

	"shardkv/pkg/dberrors"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

const (
	dataSetOK   = "OK"
	dataDeleted = "Deleted"
)

var jsonNull = json.RawMessage("null")

// Response is the envelope of every key endpoint. Data is absent on error
// and null for a missing key.
type Response struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   dberrors.Kind   `json:"code,omitempty"`
}

// SetRequest is the body of /set.
type SetRequest struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// DeleteRequest is the optional body of /del.
type DeleteRequest struct {
	Key string `json:"key"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewDataResponse(data string) Response {
	raw, _ := json.Marshal(data)
	return Response{Status: StatusSuccess, Data: raw}
}

func NewNotFoundResponse() Response {
	return Response{Status: StatusSuccess, Data: jsonNull}
}

func NewErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error(), Code: dberrors.KindOf(err)}
}

// Found reports whether a success envelope carries a value.
func (r Response) Found() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// Value decodes a string payload.
func (r Response) Value() (string, error) {
	var s string
	err := json.Unmarshal(r.Data, &s)
	return s, err
}

// Err rebuilds the error an error envelope describes, nil on success.
func (r Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	return dberrors.FromCode(string(r.Code), r.Error)
}
