// Package notify drains the pending-notification queue and delivers one
// push per receiver.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/unilink/chatd/internal/push"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/zap"
)

// ErrNoChannels is returned by RunOnce when no push channel is configured.
var ErrNoChannels = errors.New("notify: no push channel configured")

// Row results used in logs and metrics.
const (
	resultDelivered    = "delivered"
	resultNoTarget     = "no_target"
	resultRetry        = "retry"
	resultDeadLettered = "dead_lettered"
)

// Dispatcher sends a notification over the channel matching the target.
type Dispatcher interface {
	Send(ctx context.Context, t push.Target, n push.Notification) error
	Channel(t push.Target) string
	Configured() bool
}

// Config tunes a Worker.
type Config struct {
	BatchLimit   int
	AppName      string
	PreviewLimit int
}

// Result summarizes one dispatch run.
type Result struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
}

// Worker delivers pending notifications.
type Worker struct {
	db       *store.DB
	dispatch Dispatcher
	metrics  *Metrics
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// NewWorker creates a dispatch worker. metrics may be nil.
func NewWorker(db *store.DB, dispatch Dispatcher, metrics *Metrics, cfg Config, log *zap.Logger) *Worker {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.AppName == "" {
		cfg.AppName = "Campus"
	}
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = 100
	}
	return &Worker{
		db:       db,
		dispatch: dispatch,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type receiverGroup struct {
	receiverID string
	rows       []store.PendingNotification
}

// groupByReceiver groups rows by receiver, keeping the order in which each
// receiver was first seen and the queue order within a group.
func groupByReceiver(rows []store.PendingNotification) []receiverGroup {
	index := make(map[string]int)
	var groups []receiverGroup
	for _, r := range rows {
		i, ok := index[r.ReceiverID]
		if !ok {
			i = len(groups)
			index[r.ReceiverID] = i
			groups = append(groups, receiverGroup{receiverID: r.ReceiverID})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	return groups
}

// RunOnce processes one batch of the queue. A failure for one receiver is
// recorded on that receiver's rows and never stops the others; an error
// is returned only when the whole run could not proceed.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if w.dispatch == nil || !w.dispatch.Configured() {
		w.metrics.run("unconfigured")
		return res, ErrNoChannels
	}

	rows, err := w.db.PendingNotifications(ctx, w.cfg.BatchLimit)
	if err != nil {
		w.metrics.run("error")
		return res, fmt.Errorf("fetch pending notifications: %w", err)
	}
	if len(rows) == 0 {
		w.metrics.run("empty")
		return res, nil
	}

	for _, g := range groupByReceiver(rows) {
		if ctx.Err() != nil {
			break
		}
		ok := w.deliver(ctx, g)
		res.Processed += len(g.rows)
		if ok {
			res.Success += len(g.rows)
		} else {
			res.Failed += len(g.rows)
		}
	}

	w.metrics.run("ok")
	w.log.Info("dispatch run complete",
		zap.Int("processed", res.Processed),
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed))
	return res, nil
}

// deliver handles one receiver group and reports whether it succeeded.
func (w *Worker) deliver(ctx context.Context, g receiverGroup) bool {
	ids := make([]string, len(g.rows))
	for i, r := range g.rows {
		ids[i] = r.ID
	}
	log := w.log.With(zap.String("receiver_id", g.receiverID), zap.Int("rows", len(ids)))

	profile, err := w.db.GetProfile(ctx, g.receiverID)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown receivers never become deliverable.
		w.deadLetter(ctx, log, ids, "receiver profile not found")
		return false
	}
	if err != nil {
		w.retry(ctx, log, ids, "profile lookup: "+err.Error())
		return false
	}

	if profile.PushToken == "" {
		if err := w.db.MarkNotificationsDelivered(ctx, ids, w.now()); err != nil {
			log.Error("mark delivered failed", zap.Error(err))
		}
		w.metrics.row(resultNoTarget, len(ids))
		log.Debug("receiver has no push target")
		return true
	}

	target := push.Target{Token: profile.PushToken, Type: profile.PushTokenType}
	channel := w.dispatch.Channel(target)
	n := w.buildNotification(ctx, g.rows)

	err = w.dispatch.Send(ctx, target, n)
	switch {
	case err == nil:
		w.metrics.push(channel, "ok")
		if err := w.db.MarkNotificationsDelivered(ctx, ids, w.now()); err != nil {
			log.Error("mark delivered failed", zap.Error(err))
		}
		w.metrics.row(resultDelivered, len(ids))
		log.Info("push delivered", zap.String("channel", channel))
		return true

	case errors.Is(err, push.ErrGone):
		w.metrics.push(channel, "gone")
		w.deadLetter(ctx, log, ids, err.Error())
		if err := w.db.ClearPushToken(ctx, g.receiverID); err != nil {
			log.Error("clear push token failed", zap.Error(err))
		}
		return false

	default:
		w.metrics.push(channel, "error")
		w.retry(ctx, log, ids, err.Error())
		return false
	}
}

func (w *Worker) retry(ctx context.Context, log *zap.Logger, ids []string, msg string) {
	if err := w.db.RecordNotificationFailure(ctx, ids, msg, w.now()); err != nil {
		log.Error("record failure failed", zap.Error(err))
	}
	w.metrics.row(resultRetry, len(ids))
	log.Warn("push failed", zap.String("error", msg))
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, ids []string, msg string) {
	if err := w.db.DeadLetterNotifications(ctx, ids, msg, w.now()); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
	}
	w.metrics.row(resultDeadLettered, len(ids))
	log.Warn("notifications dead-lettered", zap.String("error", msg))
}

// buildNotification renders a group as one push. A single message shows
// the sender and a preview; several collapse into a count.
func (w *Worker) buildNotification(ctx context.Context, rows []store.PendingNotification) push.Notification {
	latest := rows[len(rows)-1]
	n := push.Notification{
		Data: map[string]string{
			"type":            "message",
			"conversation_id": latest.ConversationID,
			"message_id":      latest.MessageID,
			"sender_id":       latest.SenderID,
			"count":           strconv.Itoa(len(rows)),
		},
	}

	if len(rows) > 1 {
		n.Title = w.cfg.AppName
		n.Body = fmt.Sprintf("You have %d new messages", len(rows))
		return n
	}

	n.Title = "Someone"
	if p, err := w.db.GetProfile(ctx, latest.SenderID); err == nil && p.DisplayName != "" {
		n.Title = p.DisplayName
	}
	n.Body = "Sent you a message"
	if m, err := w.db.GetMessage(ctx, latest.MessageID); err == nil {
		n.Body = preview(m.Content, w.cfg.PreviewLimit)
	}
	return n
}

// preview cuts s to at most limit runes.
func preview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
