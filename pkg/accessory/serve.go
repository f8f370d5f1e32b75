package accessory

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/backkem/gaia/pkg/transport"
)

// pipeLink adapts a PipeAccessory.
type pipeLink struct {
	acc *transport.PipeAccessory
}

func (l pipeLink) Respond(frame []byte) error { return l.acc.Respond(frame) }
func (l pipeLink) SendData(data []byte) error { return l.acc.Notify(data) }
func (l pipeLink) Drop() error                { return l.acc.DropLink() }

// ServePipe attaches e to the device side of a pipe and handles host writes
// until ctx is done or the pipe closes. A dropped link is reused when the
// host reconnects.
func ServePipe(ctx context.Context, e *Emulator, acc *transport.PipeAccessory) error {
	e.Attach(pipeLink{acc: acc})
	writes := acc.Writes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-writes:
			if !ok {
				return nil
			}
			e.Receive(w.Channel, w.Data)
		}
	}
}

// streamLink frames every outbound message on one byte stream.
type streamLink struct {
	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	framer transport.StreamFramer
}

func (l *streamLink) Respond(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, err := l.framer.Encode(frame)
	if err != nil {
		return err
	}
	_, err = l.rwc.Write(out)
	return err
}

func (l *streamLink) SendData(data []byte) error { return l.Respond(data) }
func (l *streamLink) Drop() error                { return l.rwc.Close() }

// ServeStream attaches e to a framed byte stream and handles frames until
// the stream ends. Streams carry no data channel; every frame is a command.
func ServeStream(e *Emulator, rwc io.ReadWriteCloser) error {
	link := &streamLink{rwc: rwc, framer: transport.StreamFramer{Extended: true}}
	e.Attach(link)

	var in transport.StreamFramer
	buf := make([]byte, 4096)
	for {
		n, err := rwc.Read(buf)
		for _, frame := range in.Feed(buf[:n]) {
			e.Receive(transport.ChannelCommand, frame)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Serve accepts stream connections on l and serves them one at a time,
// the way a single accessory accepts one host. It returns when ctx is done
// or l fails.
func Serve(ctx context.Context, e *Emulator, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		e.log.Infof("host connected from %s", conn.RemoteAddr())
		if err := ServeStream(e, conn); err != nil {
			e.log.Warnf("stream from %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
	}
}
