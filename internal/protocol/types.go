package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is an inbound chat message as produced by a service adapter.
// Messages are passed by value and never mutated after construction.
type Message struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	ServerID  string `json:"server_id,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"` // id of a prior message, if any
}

// BlockKind tags a Body block. Rendering is left to the delivery adapter.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockCode    BlockKind = "code"
	BlockQuote   BlockKind = "quote"
	BlockMention BlockKind = "mention"
)

// Block is one structured segment of a response body.
type Block struct {
	Kind BlockKind `json:"kind"`
	Text string    `json:"text"`
	Lang string    `json:"lang,omitempty"` // code blocks only
}

// Body is structured response content.
type Body struct {
	Blocks []Block `json:"blocks"`
}

// Text returns a body made of a single text block.
func Text(s string) Body {
	return Body{Blocks: []Block{{Kind: BlockText, Text: s}}}
}

// Append returns a copy of b with extra blocks added.
func (b Body) Append(blocks ...Block) Body {
	out := make([]Block, 0, len(b.Blocks)+len(blocks))
	out = append(out, b.Blocks...)
	out = append(out, blocks...)
	return Body{Blocks: out}
}

// IsEmpty reports whether the body carries no text at all.
func (b Body) IsEmpty() bool {
	for _, bl := range b.Blocks {
		if bl.Text != "" {
			return false
		}
	}
	return true
}

// Plain flattens the body to plain text, one line per block.
func (b Body) Plain() string {
	parts := make([]string, 0, len(b.Blocks))
	for _, bl := range b.Blocks {
		switch bl.Kind {
		case BlockMention:
			parts = append(parts, "@"+bl.Text)
		case BlockQuote:
			parts = append(parts, "> "+bl.Text)
		default:
			parts = append(parts, bl.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Callback names a deferred call on a plugin. Args are opaque JSON values
// handed back to the plugin when the callback fires, so a callback survives
// being persisted in a channel lock.
type Callback struct {
	Plugin string            `json:"plugin"`
	Name   string            `json:"name"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// NewCallback builds a Callback, JSON-encoding each argument.
func NewCallback(plugin, name string, args ...any) (Callback, error) {
	cb := Callback{Plugin: plugin, Name: name}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Callback{}, fmt.Errorf("encode callback arg %d: %w", i, err)
		}
		cb.Args = append(cb.Args, raw)
	}
	return cb, nil
}

// Validate checks the callback names both a plugin and a function.
func (c Callback) Validate() error {
	if c.Plugin == "" {
		return fmt.Errorf("callback plugin is empty")
	}
	if c.Name == "" {
		return fmt.Errorf("callback name is empty")
	}
	return nil
}

func (c Callback) String() string {
	return c.Plugin + "." + c.Name
}

// LockAction is the verb of a channel-lock directive.
type LockAction string

const (
	LockActionLock   LockAction = "lock"
	LockActionUnlock LockAction = "unlock"
)

// LockDirective asks the lock manager to pin (or release) a channel.
// A nil *LockDirective means "no directive".
type LockDirective struct {
	Action  LockAction `json:"action"`
	Channel string     `json:"channel"`
	Target  *Callback  `json:"target,omitempty"` // lock only
}

// Lock returns a directive pinning channel to target.
func Lock(channel string, target Callback) *LockDirective {
	return &LockDirective{Action: LockActionLock, Channel: channel, Target: &target}
}

// Unlock returns a directive releasing channel.
func Unlock(channel string) *LockDirective {
	return &LockDirective{Action: LockActionUnlock, Channel: channel}
}

// Validate rejects directives the lock manager cannot apply.
func (d *LockDirective) Validate() error {
	if d == nil {
		return nil
	}
	if d.Channel == "" {
		return fmt.Errorf("lock directive channel is empty")
	}
	switch d.Action {
	case LockActionLock:
		if d.Target == nil {
			return fmt.Errorf("lock directive for channel %q has no target", d.Channel)
		}
		return d.Target.Validate()
	case LockActionUnlock:
		return nil
	default:
		return fmt.Errorf("unknown lock action %q", d.Action)
	}
}

// Response is a candidate answer returned by a plugin.
type Response struct {
	Confidence float64        `json:"confidence"`
	Body       Body           `json:"body"`
	Plugin     string         `json:"plugin"`
	Reason     string         `json:"reason,omitempty"` // why the plugin answered
	Lock       *LockDirective `json:"lock,omitempty"`
	Callback   *Callback      `json:"callback,omitempty"`
}

// HasCallback reports whether the response defers to a callback.
func (r *Response) HasCallback() bool {
	return r != nil && r.Callback != nil
}

// PostedID is the opaque id the external service assigned to a delivered
// response. Some services identify a message by a tuple (channel, message),
// so the id is a list of parts. It is only ever compared as a whole.
type PostedID []string

// Key returns the canonical storage key for the id.
func (p PostedID) Key() string {
	b, _ := json.Marshal([]string(p))
	return string(b)
}

func (p PostedID) String() string {
	return strings.Join(p, ":")
}

// ParsePostedID decodes a key produced by PostedID.Key. A bare string that
// is not a JSON array is treated as a single-part id.
func ParsePostedID(key string) (PostedID, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("posted id is empty")
	}
	if !strings.HasPrefix(key, "[") {
		return PostedID{key}, nil
	}
	var parts []string
	if err := json.Unmarshal([]byte(key), &parts); err != nil {
		return nil, fmt.Errorf("decode posted id: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("posted id has no parts")
	}
	return PostedID(parts), nil
}
