package firecracker

// GuestRequest is sent from host to guest agent for one routed connection.
type GuestRequest struct {
	Runtime    string            `json:"runtime"`
	Code       string            `json:"code"`
	Input      []byte            `json:"input,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Entrypoint string            `json:"entrypoint,omitempty"`
}

// GuestResponse is the final outcome reported by the guest agent.
type GuestResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// Guest to host message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// GuestMessage is the envelope for guest to host frames: any number of
// log lines followed by exactly one result.
type GuestMessage struct {
	Type     string         `json:"type"`
	Line     string         `json:"line,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}
