package sender

import (
	"context"
	"sync/atomic"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/metrics"
	"github.com/MegaGrindStone/chatsync/internal/reconcile"
)

// Outcome is how a send ended.
type Outcome int

const (
	// OutcomeResolved means the reply is in the cache under its server id.
	OutcomeResolved Outcome = iota
	// OutcomeErrored means the placeholder shows an error the user can retry from.
	OutcomeErrored
	// OutcomePending means polling gave up; the placeholder is still waiting and Refresh may resolve it.
	OutcomePending
	// OutcomeRolledBack means the optimistic records of the send were removed: the send never reached the server,
	// or the session expired while its reply was being polled for.
	OutcomeRolledBack
	// OutcomeAborted means the send was cancelled or superseded.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeErrored:
		return "errored"
	case OutcomePending:
		return "pending"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result describes a finished send.
type Result struct {
	Outcome     Outcome
	UserID      string
	AssistantID string
	// Recovered reports whether the reply came from history instead of the stream.
	Recovered bool
	Err       error
}

func (r Result) metricOutcome() string {
	switch r.Outcome {
	case OutcomeResolved:
		if r.Recovered {
			return metrics.OutcomeFallback
		}
		return metrics.OutcomeResolved
	case OutcomeErrored:
		return metrics.OutcomeErrored
	case OutcomePending:
		return metrics.OutcomePending
	case OutcomeRolledBack:
		return metrics.OutcomeRollback
	default:
		return metrics.OutcomeAborted
	}
}

// Handle tracks one send.
type Handle struct {
	conversationID string
	orchestrator   *Orchestrator
	send           *reconcile.Send
	known          map[string]bool
	snapshot       cache.Snapshot
	summary        cache.SummarySnapshot
	opened         atomic.Bool
	cancel         context.CancelFunc

	done   chan struct{}
	result Result
}

// ConversationID returns the conversation the send belongs to.
func (h *Handle) ConversationID() string {
	return h.conversationID
}

// Done is closed when the send finished, including any polling fallback.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result waits for the send to finish and returns how it ended.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Cancel aborts the send, see Orchestrator.Abort. Cancelling a send that was superseded or has finished only
// releases its resources.
func (h *Handle) Cancel() {
	o := h.orchestrator
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[h.conversationID] == h {
		o.abort(h)
		return
	}
	h.send.Kill()
	h.cancel()
}
