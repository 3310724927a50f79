package connector

// Request is a user action queued for a mailbox. Requests are comparable values;
// two equal requests are duplicates.
type Request interface {
	// Command returns the protocol command that carries the request.
	Command() string

	_isRequest()
}

// AttachmentFetch loads the content of an attachment.
type AttachmentFetch struct {
	MessageID    string
	AttachmentID string
}

func (AttachmentFetch) Command() string { return CmdItemOperations }

func (AttachmentFetch) _isRequest() {}

// MessageMove moves a message to another collection.
type MessageMove struct {
	MessageID  string
	FromFolder string
	ToFolder   string
}

func (MessageMove) Command() string { return CmdMoveItems }

func (MessageMove) _isRequest() {}

// MeetingResponse answers a meeting invitation.
type MeetingResponse struct {
	MessageID string
	Response  int
}

func (MeetingResponse) Command() string { return CmdMeetingResponse }

func (MeetingResponse) _isRequest() {}
