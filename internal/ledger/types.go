package ledger

import (
	"errors"
	"time"

	"github.com/mattjoyce/switchboard/internal/protocol"
)

var (
	ErrInteractionNotFound = errors.New("interaction not found")
	// ErrAlreadyPosted means confirm_posted ran twice for one interaction.
	ErrAlreadyPosted     = errors.New("interaction already confirmed as posted")
	ErrPostedIDNotFound  = errors.New("no interaction for posted id")
	ErrAmbiguousPostedID = errors.New("posted id matches more than one interaction")
	// ErrDuplicatePostedID means the posted id is already bound to another
	// interaction.
	ErrDuplicatePostedID = errors.New("posted id already recorded")
)

// Interaction is the persisted record of one dispatch decision.
type Interaction struct {
	ID        int64                   `json:"id"`
	CreatedAt time.Time               `json:"created_at"`
	Plugin    string                  `json:"plugin"`
	Message   protocol.Message        `json:"message"`
	Response  protocol.Response       `json:"response"`
	Traceback []string                `json:"traceback"`
	Directive *protocol.LockDirective `json:"lock_directive,omitempty"`
	// PostedID is nil until the delivery adapter confirms the post.
	PostedID protocol.PostedID `json:"posted_id"`
}

// Form is an interaction before it has been assigned an id.
type Form struct {
	Plugin    string
	Message   protocol.Message
	Response  protocol.Response
	Traceback []string
	Directive *protocol.LockDirective
}
