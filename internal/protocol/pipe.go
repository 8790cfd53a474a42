package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by pipe operations after Close.
var ErrClosed = errors.New("protocol: pipe closed")

// Frame is one encoded message.
type Frame []byte

// Pipe is the only link between the orchestrator and a worker. Messages are
// encoded on send and decoded on receive, so neither side can observe the
// other's memory.
//
// Closing a pipe disposes of the channel: pending and future sends fail with
// ErrClosed and receivers are released. Frames still buffered are dropped.
type Pipe struct {
	commands chan Frame
	events   chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

// NewPipe returns a pipe whose directions buffer up to buf frames each.
func NewPipe(buf int) *Pipe {
	if buf < 0 {
		buf = 0
	}
	return &Pipe{
		commands: make(chan Frame, buf),
		events:   make(chan Frame, buf),
		done:     make(chan struct{}),
	}
}

// Close disposes of the pipe. It is safe to call more than once.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Done is closed once the pipe has been disposed of.
func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) send(ctx context.Context, ch chan Frame, frame Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case ch <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) recv(ctx context.Context, ch chan Frame) (Frame, error) {
	select {
	case frame := <-ch:
		return frame, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCommand encodes and delivers c to the worker side.
func (p *Pipe) SendCommand(ctx context.Context, c Command) error {
	frame, err := EncodeCommand(c)
	if err != nil {
		return err
	}
	return p.send(ctx, p.commands, frame)
}

// RecvCommand blocks until a command arrives, the pipe closes or ctx ends.
func (p *Pipe) RecvCommand(ctx context.Context) (Command, error) {
	frame, err := p.recv(ctx, p.commands)
	if err != nil {
		return nil, err
	}
	return DecodeCommand(frame)
}

// SendEvent encodes and delivers e to the orchestrator side.
func (p *Pipe) SendEvent(ctx context.Context, e Event) error {
	frame, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	return p.send(ctx, p.events, frame)
}

// RecvEvent blocks until an event arrives, the pipe closes or ctx ends.
func (p *Pipe) RecvEvent(ctx context.Context) (Event, error) {
	frame, err := p.recv(ctx, p.events)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(frame)
}

// Events exposes raw event frames for callers that multiplex the pipe with
// other channels in a select. Decode them with DecodeEvent.
func (p *Pipe) Events() <-chan Frame { return p.events }
