package server

// HTTPError is the unified error body returned by all handlers.
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

// BriefSubmission is the body of POST /api/brief.
type BriefSubmission struct {
	Query      string            `json:"query"`
	Mode       string            `json:"mode,omitempty"`
	AudioData  string            `json:"audio_data,omitempty"`
	Hints      []string          `json:"hints,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	DeadlineMS int64             `json:"deadline_ms,omitempty"`
}

// ScheduleSubmission registers a standing query run on a cron spec.
type ScheduleSubmission struct {
	Query    string `json:"query"`
	CronSpec string `json:"cron_spec"`
}
