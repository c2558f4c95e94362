package types

// PublishReceipt is the outcome of a single publish attempt. Exactly one receipt
// is produced per attempt.
type PublishReceipt struct {
	Success  bool
	Message  *Message
	Sequence uint64
	Err      error
}

// IsError reports whether the publish failed.
func (r PublishReceipt) IsError() bool {
	return !r.Success
}
