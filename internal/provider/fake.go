package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"garagemsg/internal/model"
)

// Fake is an in-process Sender. Script holds the errors returned by successive
// calls; once it is exhausted every call succeeds. Provider ids are unique
// across processes so a persistent store never sees one twice.
type Fake struct {
	mu     sync.Mutex
	Script []error
	calls  []model.Message
}

func (f *Fake) Send(_ context.Context, msg model.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if len(f.Script) > 0 {
		err := f.Script[0]
		f.Script = f.Script[1:]
		if err != nil {
			return "", err
		}
	}
	return "wamid.fake-" + uuid.NewString(), nil
}

// Calls returns the messages passed to Send so far.
func (f *Fake) Calls() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.calls...)
}
