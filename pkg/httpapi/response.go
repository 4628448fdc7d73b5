package httpapi

// Status is the outcome reported in every response body
type Status string

const (
	// StatusOK is used for health-check responses
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed
	StatusError Status = "error"
)

// Entry is one key/value pair of a scan
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response is the JSON body returned by the API
type Response struct {
	Status  Status  `json:"status,omitempty"`
	Key     string  `json:"key,omitempty"`
	Value   string  `json:"value,omitempty"`
	Version uint64  `json:"version,omitempty"`
	Mode    string  `json:"mode,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func newOKResponse() Response {
	return Response{Status: StatusOK}
}

func newSuccessResponse(version uint64) Response {
	return Response{Status: StatusSuccess, Version: version}
}

func newValueResponse(key, value []byte) Response {
	return Response{Status: StatusSuccess, Key: string(key), Value: string(value)}
}

func newErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
