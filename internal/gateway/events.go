package gateway

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the collaboration event envelope types. The closed
// set matches what the editor frontend renders; the gateway never invents
// kinds.
type EventKind string

const (
	UserJoined       EventKind = "USER_JOINED"
	UserLeft         EventKind = "USER_LEFT"
	CursorMoved      EventKind = "CURSOR_MOVED"
	ContentChanged   EventKind = "CONTENT_CHANGED"
	SectionAdded     EventKind = "SECTION_ADDED"
	SectionDeleted   EventKind = "SECTION_DELETED"
	SectionReordered EventKind = "SECTION_REORDERED"
	CommentAdded     EventKind = "COMMENT_ADDED"
	CommentUpdated   EventKind = "COMMENT_UPDATED"
	CommentResolved  EventKind = "COMMENT_RESOLVED"
)

// Inbound event names (client → server).
const (
	evJoinProposal   = "join-proposal"
	evLeaveProposal  = "leave-proposal"
	evCursorMove     = "cursor-move"
	evContentChange  = "content-change"
	evSectionAdd     = "section-add"
	evSectionDelete  = "section-delete"
	evSectionReorder = "section-reorder"
	evCommentAdd     = "comment-add"
	evCommentUpdate  = "comment-update"
	evCommentResolve = "comment-resolve"
	evTypingStart    = "typing-start"
	evTypingStop     = "typing-stop"
)

// Outbound event names (server → client).
const (
	evCollaboration = "collaboration-event"
	evUsersOnline   = "users-online"
	evUserTyping    = "user-typing"
	evError         = "error"
)

// relayKinds maps pass-through inbound events to their envelope kind.
// cursor-move and the typing events are handled separately because they
// also touch the presence cache.
var relayKinds = map[string]EventKind{
	evContentChange:  ContentChanged,
	evSectionAdd:     SectionAdded,
	evSectionDelete:  SectionDeleted,
	evSectionReorder: SectionReordered,
	evCommentAdd:     CommentAdded,
	evCommentUpdate:  CommentUpdated,
	evCommentResolve: CommentResolved,
}

// Envelope is the immutable wrapper every relayed event travels in. It is
// never persisted; it exists only in transit. Data is opaque to the
// gateway, schema validation belongs to the client and the document
// service.
type Envelope struct {
	Type       EventKind       `json:"type"`
	ProposalID string          `json:"proposalId"`
	UserID     string          `json:"userId"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}
