package errors

import "fmt"

type EmptyMessage struct {
	MessageName string
}

func (e *EmptyMessage) Error() string {
	return fmt.Sprintf("Empty message received (type=%s)", e.MessageName)
}

type InvalidMessageType struct {
	MessageName string
	TypeName    string
}

func (e *InvalidMessageType) Error() string {
	return fmt.Sprintf("Invalid message type '%s' (message: %s)", e.TypeName, e.MessageName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type DeformedMessage struct {
	MessageName string
	Err         error
}

func (e *DeformedMessage) Error() string {
	return fmt.Sprintf("Deformed message (type=%s): %v", e.MessageName, e.Err)
}

func (e *DeformedMessage) Unwrap() error {
	return e.Err
}

type UnsupportedCodec struct {
	Subprotocol string
}

func (e *UnsupportedCodec) Error() string {
	return fmt.Sprintf("Unsupported codec for subprotocol '%s'", e.Subprotocol)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}
