package server

// HTTPError is the unified error body returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ChatRequest is one user message within a session.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatSegment reports the outcome of a single executed action.
type ChatSegment struct {
	Intent string                 `json:"intent"`
	OK     bool                   `json:"ok"`
	Text   string                 `json:"text"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// ChatResponse is the single aggregated reply for a turn.
type ChatResponse struct {
	SessionID    string        `json:"session_id"`
	TurnID       string        `json:"turn_id"`
	Reply        string        `json:"reply"`
	LeadID       string        `json:"lead_id,omitempty"`
	ProposalID   string        `json:"proposal_id,omitempty"`
	Replanned    bool          `json:"replanned"`
	IntentsRun   []string      `json:"intents_run"`
	Segments     []ChatSegment `json:"segments"`
	ProcessingMS int64         `json:"processing_ms"`
	TokensUsed   int64         `json:"tokens_used"`
}

// InfoResponse exposes runtime facts for operators.
type InfoResponse struct {
	Models []string `json:"models"`
}
