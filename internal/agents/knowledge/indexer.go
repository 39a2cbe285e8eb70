package knowledge

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/myconet/myconet/internal/agent"
	"github.com/myconet/myconet/internal/bus"
	"github.com/myconet/myconet/internal/taskqueue"
)

// drainIdle is how long the indexer sleeps once its queue has drained,
// so it does not spin while shutdown completes.
const drainIdle = 250 * time.Millisecond

// subscribeNotifications routes every foreign notification into the
// indexer queue. The graph is best-effort derived data: overflow drops
// the message rather than pushing back on the publisher.
func (a *Agent) subscribeNotifications(rt *agent.Runtime) error {
	own := bus.NotificationTopic(rt.Descriptor().ID)

	_, err := rt.Subscribe(bus.TopicNotificationAll, func(ctx context.Context, msg *bus.Message) error {
		if msg.Topic == own {
			// Indexing our own link_created notifications would feed
			// the indexer its own output.
			return nil
		}

		q, ok := rt.Queue(QueueNotification)
		if !ok {
			return nil
		}
		task := taskqueue.NewTask("index", map[string]any{
			"topic":   msg.Topic,
			"payload": msg.Payload,
		})
		if err := q.Enqueue(task); err != nil {
			if errors.Is(err, taskqueue.ErrQueueFull) {
				rt.Logger().Debug("Notification dropped from index queue",
					zap.String("topic", msg.Topic))
			}
			return nil
		}
		return nil
	})
	return err
}

// indexer is the single consumer of the notification queue.
func (a *Agent) indexer(ctx context.Context) error {
	q, ok := a.Runtime().Queue(QueueNotification)
	if !ok {
		return nil
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, taskqueue.ErrQueueClosed) {
			// Queue drained; idle until shutdown instead of spinning.
			select {
			case <-ctx.Done():
			case <-time.After(drainIdle):
			}
			return ctx.Err()
		}
		return err
	}

	indexErr := a.indexTask(task)
	q.MarkDone()
	if indexErr != nil {
		return indexErr
	}

	a.Runtime().SetMetric("index_backlog", float64(q.Len()))
	return nil
}

// indexTask turns one state-change notification into graph updates: the
// emitting agent and the subject become nodes, the change type becomes
// the edge between them.
func (a *Agent) indexTask(task taskqueue.Task) error {
	topic, _ := task.Payload["topic"].(string)
	payload, _ := task.Payload["payload"].(map[string]any)

	agentID := strings.TrimPrefix(topic, "notification.")
	changeType, _ := payload["type"].(string)
	subject, _ := payload["id"].(string)
	if agentID == "" || agentID == topic || changeType == "" || subject == "" {
		// Not a standard state-change notification; nothing to index.
		return nil
	}

	from := "agent." + agentID
	now := time.Now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.upsertNode(from, NodeAgent, now); err != nil {
		return err
	}
	if err := a.upsertNode(subject, entityKind(subject), now); err != nil {
		return err
	}
	if _, err := a.upsertEdge(from, subject, changeType, now); err != nil {
		return err
	}
	return nil
}
