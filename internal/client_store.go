package internal

import (
	"fmt"
	"sync"
)

type DuplicateClientIdError struct {
	Id string
}

func (e *DuplicateClientIdError) Error() string {
	return fmt.Sprintf("Attempted to create client with duplicate ID %s", e.Id)
}

type MissingClientIdError struct {
	Id string
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%s", e.Id)
}

type TooManyClientsError struct {
	MaxConnections int
}

func (e *TooManyClientsError) Error() string {
	return fmt.Sprintf("Too many clients are connected (max %d) - cannot create new client", e.MaxConnections)
}

type ClientConnectionMetadata struct {
	Mut               sync.RWMutex
	IsConnected       bool
	ClientHandlerName string
	CreatedTime       int64
	LastClientMsgTime int64
}

// ClientStore is the registry of live client connections. It only ever holds
// identifiers and bookkeeping, never the transport connection itself.
type ClientStore struct {
	MaxConnections int

	mut_clientConnections sync.RWMutex
	clientConnections     map[string]*ClientConnectionMetadata
}

func CreateClientStore(maxConnections int) *ClientStore {
	return &ClientStore{
		MaxConnections:        maxConnections,
		mut_clientConnections: sync.RWMutex{},
		clientConnections:     make(map[string]*ClientConnectionMetadata),
	}
}

// Register adds a live client. A MaxConnections of zero or less means no limit.
func (store *ClientStore) Register(clientId string, clientHandlerName string, timestamp int64) error {
	store.mut_clientConnections.Lock()
	defer store.mut_clientConnections.Unlock()

	if _, has := store.clientConnections[clientId]; has {
		return &DuplicateClientIdError{Id: clientId}
	}

	if store.MaxConnections > 0 && len(store.clientConnections) >= store.MaxConnections {
		return &TooManyClientsError{MaxConnections: store.MaxConnections}
	}

	store.clientConnections[clientId] = &ClientConnectionMetadata{
		Mut:               sync.RWMutex{},
		IsConnected:       true,
		ClientHandlerName: clientHandlerName,
		CreatedTime:       timestamp,
		LastClientMsgTime: timestamp,
	}

	return nil
}

// Unregister is idempotent.
func (store *ClientStore) Unregister(clientId string) {
	store.mut_clientConnections.Lock()
	defer store.mut_clientConnections.Unlock()
	delete(store.clientConnections, clientId)
}

// MarkDisconnected flips the liveness flag without dropping the entry, so the
// transport can signal a dead link before the disconnect event is processed.
func (store *ClientStore) MarkDisconnected(clientId string) {
	store.mut_clientConnections.RLock()
	defer store.mut_clientConnections.RUnlock()

	connection, has := store.clientConnections[clientId]
	if !has {
		return
	}

	connection.Mut.Lock()
	defer connection.Mut.Unlock()
	connection.IsConnected = false
}

func (store *ClientStore) HasClient(clientId string) bool {
	store.mut_clientConnections.RLock()
	defer store.mut_clientConnections.RUnlock()

	_, has := store.clientConnections[clientId]
	return has
}

func (store *ClientStore) IsLive(clientId string) bool {
	store.mut_clientConnections.RLock()
	defer store.mut_clientConnections.RUnlock()

	connection, has := store.clientConnections[clientId]
	if !has {
		return false
	}

	connection.Mut.RLock()
	defer connection.Mut.RUnlock()

	return connection.IsConnected
}

func (store *ClientStore) Count() int {
	store.mut_clientConnections.RLock()
	defer store.mut_clientConnections.RUnlock()
	return len(store.clientConnections)
}

func (store *ClientStore) GetClientHandlerName(clientId string) (string, error) {
	store.mut_clientConnections.RLock()
	defer store.mut_clientConnections.RUnlock()

	connection, has := store.clientConnections[clientId]
	if !has {
		return "", &MissingClientIdError{Id: clientId}
	}

	connection.Mut.RLock()
	defer connection.Mut.RUnlock()

	return connection.ClientHandlerName, nil
}

func (store *ClientStore) SetClientRecvTimestamp(clientId string, timestamp int64) error {
	store.mut_clientConnections.RLock()
	defer store.mut_clientConnections.RUnlock()

	connection, has := store.clientConnections[clientId]
	if !has {
		return &MissingClientIdError{Id: clientId}
	}

	connection.Mut.Lock()
	defer connection.Mut.Unlock()

	connection.LastClientMsgTime = timestamp
	return nil
}
