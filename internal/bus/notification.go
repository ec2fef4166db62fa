package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the purpose of a notification.
type Kind string

const (
	// KindCompletion reports a task's successful terminal outcome.
	KindCompletion Kind = "completion"
	// KindFailure reports a task's failed terminal outcome.
	KindFailure Kind = "failure"
	// KindSkip reports that a task was skipped.
	KindSkip Kind = "skip"
	// KindShutdownRequest asks a worker to terminate.
	KindShutdownRequest Kind = "shutdown-request"
	// KindShutdownAck confirms (or rejects) a shutdown request.
	KindShutdownAck Kind = "shutdown-ack"
	// KindAbort is the team-wide cancellation broadcast.
	KindAbort Kind = "abort"
)

// MaxSummaryBytes caps the inline payload of a notification. Anything
// larger must be written to the artifact store and carried by reference.
const MaxSummaryBytes = 4096

// Notification is a transient coordination event. It carries metadata
// only; bulk data travels through the artifact store and is referenced by
// ArtifactRef.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient,omitempty"` // empty means broadcast
	Summary     string    `json:"summary"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewNotification creates a notification from the sender with a fresh id and UTC
// timestamp.
func NewNotification(kind Kind, sender, summary string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}
}

// WithArtifact attaches an artifact reference to the notification.
func (n Notification) WithArtifact(ref string) Notification {
	n.ArtifactRef = ref
	return n
}

// Validate enforces the metadata-only contract.
func (n Notification) Validate() error {
	if n.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidNotification)
	}
	if n.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidNotification)
	}
	if len(n.Summary) > MaxSummaryBytes {
		return fmt.Errorf("%w: summary is %d bytes, limit %d; store the payload as an artifact and send a reference",
			ErrPayloadTooLarge, len(n.Summary), MaxSummaryBytes)
	}
	return nil
}
