package source

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"conduit/video"
)

// Loop returns a Connector that reopens a finite source each time it reaches
// the end, renumbering frames so that sequence numbers keep increasing across
// passes. A pass that ends without producing a frame terminates the stream.
func Loop(open func() (Connector, error)) (Connector, error) {
	cur, err := open()
	if err != nil {
		return nil, err
	}
	return &looping{open: open, cur: cur}, nil
}

type looping struct {
	open   func() (Connector, error)
	cur    Connector
	seq    uint64
	passes int
	inPass int
}

func (l *looping) Resolution() video.Resolution {
	return l.cur.Resolution()
}

func (l *looping) Next(ctx context.Context) (*video.Frame, error) {
	f, err := l.cur.Next(ctx)
	if errors.Is(err, ErrEndOfStream) {
		if l.inPass == 0 {
			return nil, ErrEndOfStream
		}
		if err := l.rewind(); err != nil {
			return nil, err
		}
		f, err = l.cur.Next(ctx)
	}
	if err != nil {
		return nil, err
	}
	l.inPass++
	l.seq++
	// The frame has not been handed out yet, so it can still be renumbered.
	f.Seq = l.seq
	return f, nil
}

func (l *looping) rewind() error {
	if err := l.cur.Close(); err != nil {
		log.Warnf("Error closing source before loop: %v", err)
	}
	next, err := l.open()
	if err != nil {
		var oe *OpenError
		if errors.As(err, &oe) {
			return &CaptureError{Source: oe.Source, Err: oe.Err}
		}
		return err
	}
	l.cur = next
	l.passes++
	l.inPass = 0
	log.Debugf("Source rewound, pass %d", l.passes+1)
	return nil
}

func (l *looping) Close() error {
	return l.cur.Close()
}
