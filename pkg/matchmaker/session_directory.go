package matchmaker

import "fmt"

type SelfPairingError struct {
	Id string
}

func (e *SelfPairingError) Error() string {
	return fmt.Sprintf("Attempted to pair client %s with itself", e.Id)
}

type AlreadyPairedError struct {
	Id        string
	PartnerId string
}

func (e *AlreadyPairedError) Error() string {
	return fmt.Sprintf("Client %s is already paired with %s", e.Id, e.PartnerId)
}

type InvalidInitiatorError struct {
	Initiator string
	A         string
	B         string
}

func (e *InvalidInitiatorError) Error() string {
	return fmt.Sprintf("Initiator %s is not a member of session (%s, %s)", e.Initiator, e.A, e.B)
}

// Session is a pairing of exactly two clients. It is stored as two directory
// entries, never as an object of its own.
type Session struct {
	Initiator string
	Responder string
}

type directoryEntry struct {
	partnerId string
	initiator bool
}

// SessionDirectory maps each paired client to its partner. The mapping is always
// symmetric. Not safe for concurrent use; the Matchmaker serializes access.
type SessionDirectory struct {
	entries map[string]directoryEntry
}

func CreateSessionDirectory() *SessionDirectory {
	return &SessionDirectory{
		entries: make(map[string]directoryEntry),
	}
}

// Establish records a <-> b and returns the initiator.
func (d *SessionDirectory) Establish(a, b, initiator string) (string, error) {
	if a == b {
		return "", &SelfPairingError{Id: a}
	}
	if initiator != a && initiator != b {
		return "", &InvalidInitiatorError{Initiator: initiator, A: a, B: b}
	}
	if existing, has := d.entries[a]; has {
		return "", &AlreadyPairedError{Id: a, PartnerId: existing.partnerId}
	}
	if existing, has := d.entries[b]; has {
		return "", &AlreadyPairedError{Id: b, PartnerId: existing.partnerId}
	}

	d.entries[a] = directoryEntry{partnerId: b, initiator: initiator == a}
	d.entries[b] = directoryEntry{partnerId: a, initiator: initiator == b}
	return initiator, nil
}

func (d *SessionDirectory) PartnerOf(clientId string) (string, bool) {
	entry, has := d.entries[clientId]
	if !has {
		return "", false
	}
	return entry.partnerId, true
}

func (d *SessionDirectory) IsInitiator(clientId string) bool {
	return d.entries[clientId].initiator
}

// Teardown removes both directions of the session containing clientId and
// returns the partner, if there was one.
func (d *SessionDirectory) Teardown(clientId string) (string, bool) {
	entry, has := d.entries[clientId]
	if !has {
		return "", false
	}

	delete(d.entries, clientId)
	delete(d.entries, entry.partnerId)
	return entry.partnerId, true
}

// Len is the number of sessions, not entries.
func (d *SessionDirectory) Len() int {
	return len(d.entries) / 2
}
