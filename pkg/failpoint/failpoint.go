// Package failpoint provides named test hooks fired between a side-effect
// and its state commit. In production nothing is registered and every
// invocation is a no-op.
package failpoint

import "sync"

// Hook names used by the delivery worker.
const (
	WebhookAfterPostBeforeMark = "delivery.webhook.after_post_before_mark"
	S3AfterPutBeforeMark       = "delivery.s3.after_put_before_mark"
)

var (
	mu    sync.RWMutex
	hooks = map[string]func() error{}
)

// Set registers fn for the named failpoint, replacing any prior callback.
// A callback returning an error makes the caller treat the side-effect as
// uncommitted.
func Set(name string, fn func() error) {
	mu.Lock()
	defer mu.Unlock()
	hooks[name] = fn
}

// Clear removes the named failpoint.
func Clear(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(hooks, name)
}

// ClearAll removes every registered failpoint.
func ClearAll() {
	mu.Lock()
	defer mu.Unlock()
	hooks = map[string]func() error{}
}

// Fire invokes the callback registered for name, if any. With nothing
// registered it returns nil.
func Fire(name string) error {
	mu.RLock()
	fn := hooks[name]
	mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}
