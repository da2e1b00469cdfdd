package matchmaker

import "go.uber.org/zap"

type PairingEngine struct {
	pool      *WaitingPool
	directory *SessionDirectory

	log *zap.Logger
}

func CreatePairingEngine(pool *WaitingPool, directory *SessionDirectory, logger *zap.Logger) *PairingEngine {
	return &PairingEngine{
		pool:      pool,
		directory: directory,
		log:       logger,
	}
}

// TryPair matches newId against the longest-waiting live client. The waiting
// client becomes the initiator. When nobody is waiting, newId is enqueued and
// TryPair reports false.
func (e *PairingEngine) TryPair(newId string) (Session, bool) {
	if partnerId, paired := e.directory.PartnerOf(newId); paired {
		e.log.Warn("Refusing to pair a client that already has a partner", zap.String("clientId", newId), zap.String("partnerId", partnerId))
		return Session{}, false
	}

	// A repeated join must not leave a stale entry that could be matched to itself.
	e.pool.Remove(newId)

	for {
		candidate, ok := e.pool.DequeueNext()
		if !ok {
			break
		}

		if _, paired := e.directory.PartnerOf(candidate); paired {
			e.log.Warn("Discarding waiting client that is already paired", zap.String("clientId", candidate))
			continue
		}

		initiator, err := e.directory.Establish(candidate, newId, candidate)
		if err != nil {
			e.log.Error("Failed to establish session", zap.String("candidate", candidate), zap.String("clientId", newId), zap.Error(err))
			continue
		}

		return Session{Initiator: initiator, Responder: newId}, true
	}

	e.pool.Enqueue(newId)
	return Session{}, false
}
