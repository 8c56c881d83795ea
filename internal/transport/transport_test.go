package transport

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cloudmirror/internal/models"
	"github.com/fruitsalade/cloudmirror/internal/packet"
	"github.com/fruitsalade/cloudmirror/internal/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL:   ts.URL,
		AuthToken: "tok",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func TestDoSendsCommand(t *testing.T) {
	var got map[string]any
	var auth, id string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		id = r.URL.Query().Get("id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"ok":1}`)
	}))
	defer ts.Close()

	res, err := c.Do(context.Background(), Command{
		Action: "m",
		Tag:    "01HREQ",
		Args:   map[string]any{"n": "AAAAAAAA", "t": "CCCCCCCC"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(res))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "01HREQ", id)
	assert.Equal(t, map[string]any{"a": "m", "i": "01HREQ", "n": "AAAAAAAA", "t": "CCCCCCCC"}, got)
	assert.True(t, c.IsOnline())
}

func TestDoResultCodeIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, "-11")
	}))
	defer ts.Close()

	_, err := c.Do(context.Background(), Command{Action: "m"})
	require.Error(t, err)
	ae, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, EACCESS, ae.Code)
	assert.True(t, IsCode(err, EACCESS))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoRetriesBusy(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			io.WriteString(w, "-3")
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			io.WriteString(w, "0")
		}
	}))
	defer ts.Close()

	res, err := c.Do(context.Background(), Command{Action: "a"})
	require.NoError(t, err)
	assert.Equal(t, "0", string(res))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoGivesUpOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := c.Do(context.Background(), Command{Action: "a"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, c.IsOnline())
}

func TestDoClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := c.Do(context.Background(), Command{Action: "a"})
	require.Error(t, err)
	_, isAPI := AsAPIError(err)
	assert.False(t, isAPI)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTreeGzip(t *testing.T) {
	typ := 1
	tree := Tree{
		Seq:    42,
		Nodes:  []packet.NodeRecord{{Handle: "AAAAAAAA", Parent: "ROOTROOT", Type: &typ}},
		Shares: []packet.ShareEntry{{Node: "AAAAAAAA", Grantee: "U1abcdefghi", Rights: 1}},
	}
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tree", r.URL.Path)
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		json.NewEncoder(gw).Encode(tree)
		gw.Close()
	}))
	defer ts.Close()

	got, err := c.FetchTree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Seq)
	require.Len(t, got.Nodes, 1)
	n, err := got.Nodes[0].Node()
	require.NoError(t, err)
	assert.Equal(t, models.KindFolder, n.Kind)
	assert.Equal(t, tree.Shares, got.Shares)
}

func TestFetchTreeNotFound(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	defer ts.Close()

	_, err := c.FetchTree(context.Background())
	assert.Error(t, err)
}

func writeEvent(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestStreamDeliversBatches(t *testing.T) {
	from := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from <- r.URL.Query().Get("sn")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keepalive\n\n")
		writeEvent(w, `{"sn":6,"a":[{"a":"d","n":"AAAAAAAA"}]}`)
		writeEvent(w, `not json`)
		writeEvent(w, `{"sn":5,"a":[]}`)
		writeEvent(w, `{"sn":7,"a":[{"a":"psts","r":"s"}]}`)
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStream(ts.URL, "", 5)
	batches, errs := s.Subscribe(ctx)

	b := <-batches
	assert.Equal(t, uint64(6), b.Seq)
	require.Len(t, b.Packets, 1)
	assert.Equal(t, packet.KindDelete, b.Packets[0].Kind())

	b = <-batches
	assert.Equal(t, uint64(7), b.Seq, "stale batch 5 is skipped")
	assert.Equal(t, packet.KindBilling, b.Packets[0].Kind())
	assert.Equal(t, uint64(7), s.Last())
	assert.Equal(t, "5", <-from)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, packet.ErrMalformedBatch)
	case <-time.After(time.Second):
		t.Fatal("expected a decode error")
	}

	cancel()
	for range batches {
	}
}

func TestStreamResumesAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var froms []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		froms = append(froms, r.URL.Query().Get("sn"))
		n := len(froms)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			writeEvent(w, `{"sn":1,"a":[]}`)
			return
		}
		writeEvent(w, `{"sn":2,"a":[]}`)
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewStream(ts.URL, "tok", 0)
	s.reconnectMin = time.Millisecond
	batches, _ := s.Subscribe(ctx)

	assert.Equal(t, uint64(1), (<-batches).Seq)
	assert.Equal(t, uint64(2), (<-batches).Seq)

	mu.Lock()
	assert.Equal(t, []string{"0", "1"}, froms)
	mu.Unlock()
}

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestUserFromToken(t *testing.T) {
	user, err := UserFromToken(signed(t, Claims{User: "SELFabcdefg"}))
	require.NoError(t, err)
	assert.Equal(t, models.Handle("SELFabcdefg"), user)

	user, err = UserFromToken(signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "SUBJabcdefg"}}))
	require.NoError(t, err)
	assert.Equal(t, models.Handle("SUBJabcdefg"), user)

	_, err = UserFromToken(signed(t, Claims{User: "short"}))
	assert.ErrorIs(t, err, ErrNoUserHandle)

	_, err = UserFromToken("garbage")
	assert.Error(t, err)
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "EAGAIN", EAGAIN.String())
	assert.Equal(t, "E-99", Code(-99).String())
	assert.True(t, ERATELIMIT.Temporary())
	assert.False(t, ENOENT.Temporary())
}
