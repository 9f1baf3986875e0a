package alljoyn

// MethodContext is passed to a MethodHandler for one inbound call.
type MethodContext struct {
	// The message being processed.
	Message *Message

	// The object the call was addressed to.
	Object *BusObject

	// The member that matched.
	Member *Member

	endpoint *LocalEndpoint
	replied  bool
}

// Args decodes the call arguments against the member's signature.
func (c *MethodContext) Args() ([]any, error) {
	return c.Message.UnmarshalArgs(c.Member.Signature)
}

// Reply sends the method return. For calls flagged no-reply-expected the
// reply is dropped.
func (c *MethodContext) Reply(args ...any) error {
	c.replied = true
	if c.Message.Flags&FlagNoReplyExpected != 0 {
		return nil
	}
	reply, err := c.Message.ReplyMsg(c.Member.ReturnSignature, args...)
	if err != nil {
		return err
	}
	return c.endpoint.send(reply)
}

// ReplyLater marks the call as handled asynchronously. The handler may
// return and send Reply or ReplyError from another goroutine.
func (c *MethodContext) ReplyLater() {
	c.replied = true
}

// ReplyError sends an error reply with the given wire error name.
func (c *MethodContext) ReplyError(name, description string) error {
	c.replied = true
	if c.Message.Flags&FlagNoReplyExpected != 0 {
		return nil
	}
	return c.endpoint.send(c.Message.ErrorMsg(name, description))
}
