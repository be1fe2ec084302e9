package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/strandhq/strand/internal/store"
)

// coordinator wraps the persistence side of a single generation
// attempt. It accumulates tokens, snapshots the buffer to the store at
// most once per interval (bounding both write amplification and crash
// data loss), and guarantees exactly one terminal write no matter how
// the attempt ends.
//
// The coordinator is the sole writer of its message's content for the
// lifetime of the attempt; it needs no locking of its own.
type coordinator struct {
	store     *store.Store
	messageID string
	interval  time.Duration
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	buf          strings.Builder
	lastSnapshot time.Time
	terminated   bool
}

func newCoordinator(st *store.Store, messageID string, interval time.Duration, logger *slog.Logger) *coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &coordinator{
		store:        st,
		messageID:    messageID,
		interval:     interval,
		logger:       logger,
		now:          now,
		lastSnapshot: now(),
	}
}

// append accumulates a token and writes a snapshot if the interval has
// elapsed. Snapshot failures are logged and swallowed: the buffer still
// holds the full text, and the terminal write gets another chance.
func (c *coordinator) append(token string) {
	c.buf.WriteString(token)

	if c.now().Sub(c.lastSnapshot) < c.interval {
		return
	}
	c.lastSnapshot = c.now()

	if err := c.store.UpdateContent(c.messageID, c.buf.String()); err != nil {
		c.logger.Warn("snapshot write failed", "message_id", c.messageID, "error", err)
	}
}

// text returns everything accumulated so far.
func (c *coordinator) text() string {
	return c.buf.String()
}

// finalize performs the terminal write: final content plus complete
// status, exactly once per attempt. Later calls are no-ops, so callers
// can defer it as a guarantee and still invoke discard explicitly on
// the stop path.
func (c *coordinator) finalize() error {
	if c.terminated {
		return nil
	}
	c.terminated = true

	err := c.store.FinalizeMessage(c.messageID, c.buf.String())
	if errors.Is(err, store.ErrNotFound) {
		// The row was deleted out from under the attempt, e.g. the
		// conversation itself was removed while stopping. Nothing left
		// to commit.
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminal write: %w", err)
	}
	return nil
}

// discard is the alternate terminal action: delete the message row
// instead of finalizing it. Used when a stopped generation's partial
// answer should not be kept. Idempotent with finalize.
func (c *coordinator) discard() error {
	if c.terminated {
		return nil
	}
	c.terminated = true

	err := c.store.DeleteMessage(c.messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("discard partial message: %w", err)
	}
	return nil
}
