package messenger

import (
	"context"
	"sync"

	"github.com/elissabot/elissa/internal/models"
)

// Sent is one payload captured by a Recorder.
type Sent struct {
	Key  models.ConversationKey
	Text string
	Path string
}

// Recorder is an in-memory Messenger for tests. It records every
// payload and can be told to fail.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent

	// Err, when set, is returned by every send.
	Err error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SendText implements Messenger.
func (r *Recorder) SendText(_ context.Context, key models.ConversationKey, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Sent{Key: key, Text: text})
	return nil
}

// SendFile implements Messenger.
func (r *Recorder) SendFile(_ context.Context, key models.ConversationKey, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Sent{Key: key, Path: path})
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Texts returns just the text payloads sent to key, in order.
func (r *Recorder) Texts(key models.ConversationKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		if s.Key == key && s.Text != "" {
			out = append(out, s.Text)
		}
	}
	return out
}
