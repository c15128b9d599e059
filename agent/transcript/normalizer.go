package transcript

import (
	"errors"
	"fmt"
	"strings"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
)

// ErrOutOfOrderEvent marks a transport event older than one already
// accepted. Callers log and drop it; it is never fatal to the session.
var ErrOutOfOrderEvent = errors.New("transport event out of order")

// Normalizer converts raw transport events into the text of the next user
// turn. One Normalizer per session, owned by that session's pump, so no
// locking is needed.
type Normalizer struct {
	lastSeq int64
	primed  bool
}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Accept inspects one event and returns the normalized utterance when the
// event should drive a dialogue turn. ok=false means the event was
// legitimately a no-op: a partial fragment, a duplicate sequence number,
// or a blank final transcript.
func (n *Normalizer) Accept(ev contractx.InboundEvent) (string, bool, error) {
	if n.primed {
		if ev.TransportSeq < n.lastSeq {
			return "", false, fmt.Errorf("%w: seq=%d last=%d", ErrOutOfOrderEvent, ev.TransportSeq, n.lastSeq)
		}
		if ev.TransportSeq == n.lastSeq {
			return "", false, nil
		}
	}

	n.lastSeq = ev.TransportSeq
	n.primed = true

	if !ev.Final {
		return "", false, nil
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

// LastSeq returns the highest transport sequence number seen so far.
func (n *Normalizer) LastSeq() int64 {
	return n.lastSeq
}
