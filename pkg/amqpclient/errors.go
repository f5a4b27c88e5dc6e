package amqpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrorKind tells the retry loops whether a failure is worth a reconnect.
type ErrorKind int

const (
	// KindFatal is a programming or data error: log it and give up on the message.
	KindFatal ErrorKind = iota
	// KindTransient means the pipe broke: discard the connection, back off and retry.
	KindTransient
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "fatal"
}

var (
	// ErrNoChannel is returned when no live channel could be obtained.
	ErrNoChannel = errors.New("no live channel available")
	// ErrNotConfirmed is returned when the broker negatively acknowledged a publish.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
)

// TransportError is a broker operation failure tagged with its kind.
type TransportError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Wrap tags err with the kind Classify derives for it. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Kind: Classify(err), Err: err}
}

// Transient tags err as a transient transport failure regardless of its type.
func Transient(op string, err error) error {
	return &TransportError{Op: op, Kind: KindTransient, Err: err}
}

// Classify is the single decision point between reconnect-and-retry and abort.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	var amqpErr *amqp.Error
	var netErr net.Error
	switch {
	case errors.Is(err, ErrNoChannel), errors.Is(err, ErrNotConfirmed):
		return KindTransient
	case errors.As(err, &amqpErr):
		// Connection or channel closed, by us or by the broker.
		return KindTransient
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return KindTransient
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.As(err, &netErr):
		return KindTransient
	}
	return KindFatal
}

// IsTransient is shorthand for Classify(err) == KindTransient.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == KindTransient
}
