package models

import (
	"time"
)

// Role indicates the author of a conversation entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// ChatType mirrors the transport's chat classification.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// IsGroup reports whether the chat is a multi-user conversation.
func (t ChatType) IsGroup() bool {
	return t == ChatGroup || t == ChatSupergroup
}

// ToolCall is a model-proposed invocation of a named tool.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResponse carries a tool's result back to the model.
// Response is always a JSON-object-shaped map; scalar results are
// wrapped by the dispatcher before they get here.
type ToolResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Part is one unit of message content. Exactly one of the three
// variants is set; a Part with none set carries no content.
type Part struct {
	Text         string        `json:"text,omitempty"`
	ToolCall     *ToolCall     `json:"function_call,omitempty"`
	ToolResponse *ToolResponse `json:"function_response,omitempty"`
}

// TextPart builds a text-only Part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ToolCallPart builds a tool-call Part.
func ToolCallPart(name string, args map[string]any) Part {
	return Part{ToolCall: &ToolCall{Name: name, Args: args}}
}

// ToolResponsePart builds a tool-response Part.
func ToolResponsePart(name string, response map[string]any) Part {
	return Part{ToolResponse: &ToolResponse{Name: name, Response: response}}
}

// IsEmpty reports whether the part carries no content at all.
func (p Part) IsEmpty() bool {
	return p.Text == "" && p.ToolCall == nil && p.ToolResponse == nil
}

// Content is one in-memory conversation turn: a role plus an ordered
// list of parts. Role=user turns carry only text parts, role=tool
// turns only tool responses; role=model turns may mix text and calls.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// HasToolCalls reports whether any part is a well-formed tool call.
func (c *Content) HasToolCalls() bool {
	for _, p := range c.Parts {
		if p.ToolCall != nil && p.ToolCall.Name != "" {
			return true
		}
	}
	return false
}

// JoinedText concatenates all text parts in order.
func (c *Content) JoinedText() string {
	var out string
	for _, p := range c.Parts {
		out += p.Text
	}
	return out
}

// Entry is the persisted form of one conversation turn.
// Entries are append-only; the only removal path is a full-chat clear.
type Entry struct {
	ID        int64
	ChatID    int64
	Role      Role
	PartsJSON string
	UserID    *int64 // set only for role=user
	CreatedAt time.Time
}

// UserProfile is upserted on every message a user sends.
type UserProfile struct {
	UserID            int64
	Username          string
	FirstName         string
	LastName          string
	LastSeen          time.Time
	AvatarID          string
	AvatarDescription string
}

// DisplayName returns the best available human-readable name.
func (p *UserProfile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	case p.Username != "":
		return "@" + p.Username
	default:
		return ""
	}
}

// UserNote is a categorized fact remembered about a user. Value is a
// string, a []any, or a map[string]any, matching its JSON encoding.
// Categories are unique per user, case-insensitively.
type UserNote struct {
	UserID   int64
	Category string
	Value    any
}

// AIMode selects the driver dialect for a chat.
type AIMode string

const (
	AIModeDefault AIMode = "default"
	AIModePro     AIMode = "pro"
)

// ChatSettings holds per-chat overrides. The zero value (with ChatID
// set) is the default configuration for a chat seen for the first time.
type ChatSettings struct {
	ChatID       int64
	CustomPrompt string
	AIMode       AIMode
	ModelName    string
}

// ToolStatus classifies the outcome of one tool handler invocation.
type ToolStatus string

const (
	ToolStatusSuccess  ToolStatus = "success"
	ToolStatusError    ToolStatus = "error"
	ToolStatusNotFound ToolStatus = "not_found"
	ToolStatusWarning  ToolStatus = "warning"
	ToolStatusTimeout  ToolStatus = "timeout"
)

// ToolExecution is the audit record written after every handler
// invocation, success or failure.
type ToolExecution struct {
	ID               int64
	ChatID           int64
	UserID           *int64
	CreatedAt        time.Time
	ToolName         string
	ArgsJSON         string
	Status           ToolStatus
	ReturnCode       *int
	ResultMessage    string
	Stdout           string
	Stderr           string
	FullResultJSON   string
	TriggerMessageID *int64
}

// IncomingMessage is the transport-normalized inbound message the
// orchestration core operates on.
type IncomingMessage struct {
	ChatID     int64
	UserID     int64
	MessageID  int64
	ChatType   ChatType
	Text       string
	ReplyToBot bool

	// ForcePro routes the message straight to the heavy model,
	// bypassing mention checks and the pre-filter. Set by internal
	// re-dispatch, never by the transport.
	ForcePro bool
	Mentions   []string
	Username   string
	FirstName  string
	LastName   string
}

// BotIdentity is the bot's own id and username, used for mention and
// reply triage.
type BotIdentity struct {
	ID       int64
	Username string
}
