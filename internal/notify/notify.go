// Package notify delivers control-plane notices to the bot connection.
//
// There is exactly one bot endpoint. When it is not connected, notices are
// logged and dropped; nothing is queued for later delivery.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/protocol"
)

// ErrNoBot is returned when a notice was dropped because no bot is connected.
var ErrNoBot = errors.New("no bot connected")

// Sink receives notices. The dispatch server's bot connection implements it.
type Sink interface {
	Send(msg *protocol.Message) error
}

// Publisher mirrors notices to a secondary channel.
type Publisher interface {
	Publish(ctx context.Context, msg *protocol.Message) error
}

// Notifier routes job outcome notices to the current bot.
type Notifier struct {
	log    *logging.Logger
	mirror Publisher

	mu  sync.RWMutex
	bot Sink
}

// New creates a Notifier. mirror may be nil.
func New(log *logging.Logger, mirror Publisher) *Notifier {
	return &Notifier{log: log.WithComponent("notify"), mirror: mirror}
}

// Attach makes s the bot endpoint, replacing any previous one.
func (n *Notifier) Attach(s Sink) {
	n.mu.Lock()
	n.bot = s
	n.mu.Unlock()
}

// Detach clears the bot endpoint if it is still s.
func (n *Notifier) Detach(s Sink) {
	n.mu.Lock()
	if n.bot == s {
		n.bot = nil
	}
	n.mu.Unlock()
}

// Connected reports whether a bot is attached.
func (n *Notifier) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bot != nil
}

// Upload announces a successful render. Importer jobs are not announced.
func (n *Notifier) Upload(ctx context.Context, j *ledger.RenderJob) error {
	if j.Origin == ledger.OriginImporter {
		return nil
	}
	msg, err := protocol.New(protocol.TypeUpload, protocol.UploadNotice{
		Job:  protocol.NewJobContext(j),
		URL:  j.OutputURL,
		Size: j.OutputSize,
	})
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg, j.JobID)
}

// Error announces a failed job.
func (n *Notifier) Error(ctx context.Context, j *ledger.RenderJob, message string) error {
	msg, err := protocol.New(protocol.TypeError, protocol.ErrorNotice{
		Status:  j.Status.String(),
		Message: message,
		Job:     protocol.NewJobContext(j),
	})
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg, j.JobID)
}

// Failed announces every job in jobs using its recorded failure reason.
func (n *Notifier) Failed(ctx context.Context, jobs []ledger.RenderJob) {
	for i := range jobs {
		_ = n.Error(ctx, &jobs[i], jobs[i].FailureReason)
	}
}

func (n *Notifier) deliver(ctx context.Context, msg *protocol.Message, jobID string) error {
	log := n.log.WithJob(jobID)

	if n.mirror != nil {
		if err := n.mirror.Publish(ctx, msg); err != nil {
			log.Warn("notice mirror publish failed", "type", msg.Type, "error", err)
		}
	}

	n.mu.RLock()
	bot := n.bot
	n.mu.RUnlock()

	if bot == nil {
		log.Warn("dropping notice, no bot connected", "type", msg.Type)
		return ErrNoBot
	}
	if err := bot.Send(msg); err != nil {
		log.Warn("bot notice failed", "type", msg.Type, "error", err)
		return err
	}
	log.Debug("notice sent", "type", msg.Type)
	return nil
}
