package processor

import "sync"

const maxTrackedTags = 1024

// Origin recognises packets caused by this client. A packet is
// self-originated when its tag is the session tag or a request id passed
// to Track. Not every server packet echoes the tag, so this is best effort.
type Origin struct {
	mu      sync.Mutex
	session string
	tags    map[string]struct{}
	order   []string
}

// NewOrigin creates an Origin for the given session tag (may be empty).
func NewOrigin(session string) *Origin {
	return &Origin{session: session, tags: make(map[string]struct{})}
}

// Track registers a request id. The oldest ids are forgotten once
// maxTrackedTags are held.
func (o *Origin) Track(tag string) {
	if tag == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tags[tag]; ok {
		return
	}
	o.tags[tag] = struct{}{}
	o.order = append(o.order, tag)
	if len(o.order) > maxTrackedTags {
		delete(o.tags, o.order[0])
		o.order = o.order[1:]
	}
}

// IsSelf reports whether tag belongs to this client.
func (o *Origin) IsSelf(tag string) bool {
	if tag == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if tag == o.session {
		return true
	}
	_, ok := o.tags[tag]
	return ok
}
