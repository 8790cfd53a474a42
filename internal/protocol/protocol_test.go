package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentage(t *testing.T) {
	cases := []struct {
		i, total, want int
	}{
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 1, 100},
		{1, 8, 13},
		{0, 0, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Percentage(c.i, c.total), "%d/%d", c.i, c.total)
	}
}

func TestNewProgress(t *testing.T) {
	u := Upload{ID: 42, Owner: "alice"}
	p := NewProgress("run-1", 2, 3, u.Label())
	assert.Equal(t, Progress{RunID: "run-1", CurrentIndex: 2, TotalCount: 3, Label: "Record #42 by alice", Percentage: 67}, p)
}

func TestCodecRoundTrip(t *testing.T) {
	captured := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	start := Start{
		RunID:      "r1",
		Uploads:    []Upload{{ID: 1, Owner: "a", Payload: []byte(`{"x":1}`), CapturedAt: captured}},
		Credential: "tok",
	}
	frame, err := EncodeCommand(start)
	require.NoError(t, err)
	got, err := DecodeCommand(frame)
	require.NoError(t, err)
	assert.Equal(t, start, got)

	done := Completed{RunID: "r1", Summary: Summary{SuccessCount: 2, ErrorCount: 1, Errors: []RecordError{{ID: 3, Message: "boom"}}}}
	frame, err = EncodeEvent(done)
	require.NoError(t, err)
	ev, err := DecodeEvent(frame)
	require.NoError(t, err)
	assert.Equal(t, done, ev)
	assert.True(t, Terminal(ev))
}

func TestDecodeRejectsWrongDirection(t *testing.T) {
	frame, err := EncodeEvent(Started{RunID: "r", Total: 1})
	require.NoError(t, err)
	_, err = DecodeCommand(frame)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = DecodeEvent([]byte(`{"kind":"teleport","run_id":"r","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestPipeDoesNotShareMemory(t *testing.T) {
	p := NewPipe(4)
	defer p.Close()
	ctx := context.Background()

	uploads := []Upload{{ID: 1, Owner: "a", Payload: []byte("abc")}}
	require.NoError(t, p.SendCommand(ctx, Start{RunID: "r", Uploads: uploads}))
	uploads[0].Payload[0] = 'z'
	uploads[0].Owner = "mutated"

	c, err := p.RecvCommand(ctx)
	require.NoError(t, err)
	s, ok := c.(Start)
	require.True(t, ok)
	assert.Equal(t, "a", s.Uploads[0].Owner)
	assert.Equal(t, []byte("abc"), s.Uploads[0].Payload)
}

func TestPipeEventsInOrder(t *testing.T) {
	p := NewPipe(8)
	defer p.Close()
	ctx := context.Background()

	sent := []Event{
		Started{RunID: "r", Total: 1},
		NewProgress("r", 1, 1, "Record #1 by a"),
		MarkUploaded{RunID: "r", ID: 1},
		Completed{RunID: "r", Summary: Summary{SuccessCount: 1}},
	}
	for _, e := range sent {
		require.NoError(t, p.SendEvent(ctx, e))
	}
	for _, want := range sent {
		got, err := p.RecvEvent(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPipeClose(t *testing.T) {
	p := NewPipe(0)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := p.RecvCommand(ctx)
		errc <- err
	}()
	p.Close()
	p.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not released by Close")
	}
	assert.ErrorIs(t, p.SendEvent(ctx, Started{RunID: "r"}), ErrClosed)
}

func TestPipeSendHonoursContext(t *testing.T) {
	p := NewPipe(0)
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SendEvent(ctx, Started{RunID: "r"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
