package main

// incomingMessage is a line received on stdin.
type incomingMessage struct {
	Type    string       `json:"type"`
	Message *userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// contentBlock is one element of an assistant message's content array.
type contentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`
	Content  any            `json:"content,omitempty"`
}

// assistantMessage is the nested message in an assistant event.
type assistantMessage struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
}

type assistantEvent struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Message   *assistantMessage `json:"message"`
}

type systemEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

type resultEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
}
