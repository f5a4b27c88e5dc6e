package amqpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected amqpclient.ErrorKind
	}{
		{"nil", nil, amqpclient.KindFatal},
		{"connection reset", fmt.Errorf("write: %w", syscall.ECONNRESET), amqpclient.KindTransient},
		{"connection refused", syscall.ECONNREFUSED, amqpclient.KindTransient},
		{"stream lost", io.ErrUnexpectedEOF, amqpclient.KindTransient},
		{"broker closed channel", amqp.ErrClosed, amqpclient.KindTransient},
		{"broker closed connection", &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}, amqpclient.KindTransient},
		{"no channel", amqpclient.ErrNoChannel, amqpclient.KindTransient},
		{"nack", amqpclient.ErrNotConfirmed, amqpclient.KindTransient},
		{"timeout", context.DeadlineExceeded, amqpclient.KindTransient},
		{"cancelled", context.Canceled, amqpclient.KindFatal},
		{"encoding", &json.UnsupportedValueError{Str: "NaN"}, amqpclient.KindFatal},
		{"unknown", errors.New("boom"), amqpclient.KindFatal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, amqpclient.Classify(tc.err))
		})
	}
}

func TestTransportError(t *testing.T) {
	t.Run("Wrap keeps the derived kind and the cause", func(t *testing.T) {
		err := amqpclient.Wrap("publish", io.EOF)
		assert.True(t, amqpclient.IsTransient(err))
		assert.ErrorIs(t, err, io.EOF)
		assert.Contains(t, err.Error(), "publish (transient)")
	})

	t.Run("Wrap of nil is nil", func(t *testing.T) {
		assert.NoError(t, amqpclient.Wrap("publish", nil))
	})

	t.Run("Explicit tag wins over the cause", func(t *testing.T) {
		err := amqpclient.Transient("await confirm", errors.New("odd"))
		assert.True(t, amqpclient.IsTransient(err))

		fatal := &amqpclient.TransportError{Op: "encode", Kind: amqpclient.KindFatal, Err: io.EOF}
		assert.False(t, amqpclient.IsTransient(fmt.Errorf("outer: %w", fatal)))
	})
}
