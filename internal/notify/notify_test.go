package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bucket-bridge/pkg/types"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func (c *fakeConn) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.subject
	}
	return out
}

func jobUpdate(id string, state types.JobState) types.JobUpdate {
	return types.JobUpdate{Job: types.Job{ID: types.JobID(id), State: state}, ETA: -1}
}

func TestPublishUpdateAndTerminalJobs(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "bb.updates")

	err := p.Publish(types.Update{
		Jobs: []types.JobUpdate{
			jobUpdate("a", types.StateInProgress),
			jobUpdate("b", types.StateCompleted),
			jobUpdate("c", types.StateFailed),
		},
		Stats: types.Stats{InProgress: 1, Completed: 1, Failed: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bb.updates", "bb.updates.completed", "bb.updates.failed"}, conn.subjects())

	var decoded types.Update
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &decoded))
	assert.Len(t, decoded.Jobs, 3)
	assert.Equal(t, 1, decoded.Stats.Completed)

	var job types.Job
	require.NoError(t, json.Unmarshal(conn.msgs[1].data, &job))
	assert.Equal(t, types.JobID("b"), job.ID)
}

func TestFullUpdateSkipsTerminalFanout(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "bb")

	require.NoError(t, p.Publish(types.Update{Full: true, Jobs: []types.JobUpdate{jobUpdate("a", types.StateCompleted)}}))
	assert.Equal(t, []string{"bb"}, conn.subjects())
}

func TestForwardUntilClosed(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "bb")

	updates := make(chan types.Update, 3)
	updates <- types.Update{Full: true}
	updates <- types.Update{Jobs: []types.JobUpdate{jobUpdate("x", types.StateCancelled)}}
	close(updates)

	require.NoError(t, p.Forward(context.Background(), updates))
	assert.Equal(t, []string{"bb", "bb", "bb.cancelled"}, conn.subjects())
}

func TestForwardToleratesPublishErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewPublisher(conn, "bb")

	updates := make(chan types.Update)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Forward(ctx, updates) }()

	updates <- types.Update{}
	updates <- types.Update{}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Forward did not stop after cancel")
	}
	assert.Empty(t, conn.subjects())
}
