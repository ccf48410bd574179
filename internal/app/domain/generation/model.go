package generation

import "time"

// Status is the lifecycle state of a generation request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusError
}

// CanTransition reports whether moving from -> to is a forward step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCanceled || to == StatusError
	case StatusProcessing:
		return to.Terminal()
	}
	return false
}

// Parameters is the immutable description of what the user asked for.
type Parameters struct {
	Prompt     string `json:"prompt"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Count      int    `json:"count"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	InputImage string `json:"input_image,omitempty"`
}

// Request is a single user submission.
type Request struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Status       Status     `json:"status"`
	Parameters   Parameters `json:"parameters"`
	ReservedCost int64      `json:"reserved_cost"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Request) Clone() Request {
	out := r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Media is one generated image owned by a request.
type Media struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	FileID    string    `json:"file_id"`
	URL       string    `json:"url"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	MimeType  string    `json:"mime_type"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Seed      *int64    `json:"seed,omitempty"`
	PostID    string    `json:"post_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Post is the social feed entry created for a completed request.
type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}
