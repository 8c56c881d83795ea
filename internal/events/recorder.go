package events

import "sync"

// Recorder is a Notifier that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	Graph  []GraphChanged
	Decode []NodeDecoded
	Share  []ShareChanged
}

func (r *Recorder) GraphChanged(e GraphChanged) {
	r.mu.Lock()
	r.Graph = append(r.Graph, e)
	r.mu.Unlock()
}

func (r *Recorder) NodeDecoded(e NodeDecoded) {
	r.mu.Lock()
	r.Decode = append(r.Decode, e)
	r.mu.Unlock()
}

func (r *Recorder) ShareChanged(e ShareChanged) {
	r.mu.Lock()
	r.Share = append(r.Share, e)
	r.mu.Unlock()
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.Graph, r.Decode, r.Share = nil, nil, nil
	r.mu.Unlock()
}

// Multi publishes to several notifiers in order.
type Multi []Notifier

func (m Multi) GraphChanged(e GraphChanged) {
	for _, n := range m {
		n.GraphChanged(e)
	}
}

func (m Multi) NodeDecoded(e NodeDecoded) {
	for _, n := range m {
		n.NodeDecoded(e)
	}
}

func (m Multi) ShareChanged(e ShareChanged) {
	for _, n := range m {
		n.ShareChanged(e)
	}
}
