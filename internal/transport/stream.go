package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/packet"
)

const maxEventSize = 16 << 20

var errStreamClosed = errors.New("stream closed by server")

// Stream reads action-packet batches from the server-sent events endpoint.
type Stream struct {
	baseURL      string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu        sync.RWMutex
	authToken string
	last      uint64
}

// NewStream creates a stream client that resumes after sequence number from.
func NewStream(baseURL, token string, from uint64) *Stream {
	return &Stream{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 0},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		authToken:    token,
		last:         from,
	}
}

// SetAuthToken sets the session token used on the next connect.
func (s *Stream) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = token
}

// Last returns the sequence number of the last batch delivered.
func (s *Stream) Last() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Subscribe connects and returns the batch channel plus a channel of
// connection and decode errors. Both close when ctx is done. Batches are
// never dropped; a slow reader holds the connection back.
func (s *Stream) Subscribe(ctx context.Context) (<-chan packet.Batch, <-chan error) {
	batches := make(chan packet.Batch, 16)
	errs := make(chan error, 1)

	go s.subscribeLoop(ctx, batches, errs)

	return batches, errs
}

func (s *Stream) subscribeLoop(ctx context.Context, batches chan<- packet.Batch, errs chan<- error) {
	defer close(batches)
	defer close(errs)

	reconnectDelay := s.reconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivered, err := s.connect(ctx, batches, errs)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			reconnectDelay = s.reconnectMin
		}

		logging.Warn("stream connection lost",
			logging.Err(err),
			logging.Duration("reconnect_in", reconnectDelay))
		report(errs, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > s.reconnectMax {
			reconnectDelay = s.reconnectMax
		}
	}
}

func report(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

func (s *Stream) connect(ctx context.Context, batches chan<- packet.Batch, errs chan<- error) (bool, error) {
	s.mu.RLock()
	token, from := s.authToken, s.last
	s.mu.RUnlock()

	url := s.baseURL + "/api/v1/events?sn=" + strconv.FormatUint(from, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	logging.Info("stream connected", logging.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	delivered := false
	var data []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				if s.dispatch(ctx, strings.Join(data, "\n"), batches, errs) {
					delivered = true
				}
				if ctx.Err() != nil {
					return delivered, nil
				}
			}
			data = data[:0]
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("read: %w", err)
	}
	return delivered, errStreamClosed
}

// dispatch decodes one event and hands the batch over. Batches at or below
// the last delivered sequence number are skipped.
func (s *Stream) dispatch(ctx context.Context, data string, batches chan<- packet.Batch, errs chan<- error) bool {
	b, err := packet.DecodeBatch([]byte(data))
	if err != nil {
		logging.Warn("dropping undecodable batch", logging.Err(err))
		report(errs, err)
		return false
	}

	s.mu.Lock()
	stale := b.Seq != 0 && b.Seq <= s.last
	s.mu.Unlock()
	if stale {
		return false
	}

	select {
	case batches <- b:
	case <-ctx.Done():
		return false
	}

	if b.Seq != 0 {
		s.mu.Lock()
		s.last = b.Seq
		s.mu.Unlock()
	}
	return true
}
