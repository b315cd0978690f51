package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"examguard/internal/model"
)

var img = base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

func frameJSON(session string, ts int64) string {
	return fmt.Sprintf(`{"sessionId":%q,"timestamp":%d,"imageData":%q}`, session, ts, img)
}

func TestParseJSONMapAliases(t *testing.T) {
	fields, err := ParseJSONBytes([]byte(`{"session_id":"s1","TS":1772355600123,"image":"abc","mime_type":"image/png"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fields.SessionID != "s1" || fields.Timestamp != "1772355600123" || fields.ImageData != "abc" || fields.MIMEType != "image/png" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
	if _, err := ParseJSONBytes([]byte(`null`)); err == nil {
		t.Fatal("expected error for null")
	}
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(frameJSON("s1", 1772355600)), "kafka")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.SessionID != "s1" || string(f.ImageData) != "jpeg-bytes" || f.Source != "kafka" || f.Timestamp.Unix() != 1772355600 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if _, err := DecodeFrame([]byte(`{"imageData":"eA=="}`), "kafka"); !errors.Is(err, model.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestRESTAcceptsSingleAndBatch(t *testing.T) {
	out := make(chan model.Frame, 10)
	srv := httptest.NewServer(NewRESTServer(out, nil).Handler())
	defer srv.Close()

	body := "[" + frameJSON("s1", 1) + "," + frameJSON("s1", 2) + `,{"sessionId":"s1"}]`
	resp, err := http.Post(srv.URL+"/frames", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(out) != 2 {
		t.Fatalf("queued = %d, want 2", len(out))
	}

	resp, err = http.Post(srv.URL+"/frames", "application/json", strings.NewReader(frameJSON("s2", 3)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || len(out) != 3 {
		t.Fatalf("status = %d queued = %d", resp.StatusCode, len(out))
	}
}

func TestRESTRejectsBadInput(t *testing.T) {
	h := NewRESTServer(make(chan model.Frame, 1), nil).Handler()
	for _, body := range []string{"", "not json", "[1,2"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/frames", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestRESTFullQueueIsUnavailable(t *testing.T) {
	out := make(chan model.Frame)
	h := NewRESTServer(out, nil).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/frames", strings.NewReader(frameJSON("s1", 1))))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"dropped":1`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestReplayKeepsOrderAndCountsRejects(t *testing.T) {
	input := frameJSON("s1", 1) + "\n\n" + "garbage\n" + frameJSON("s1", 2) + "\r\n" + frameJSON("s1", 3)
	out := make(chan model.Frame, 10)
	stats, err := Replay(context.Background(), strings.NewReader(input), out, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if stats.Frames != 3 || stats.Rejected != 1 || stats.Lines != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	close(out)
	var last int64
	for f := range out {
		if f.Timestamp.Unix() <= last {
			t.Fatalf("frames out of order: %d after %d", f.Timestamp.Unix(), last)
		}
		last = f.Timestamp.Unix()
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Replay(ctx, strings.NewReader(frameJSON("s1", 1)+"\n"), make(chan model.Frame), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakeReader struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	commits  []int64
	drained  chan struct{}
	doneOnce sync.Once
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func TestKafkaConsumeCommitsAfterQueueing(t *testing.T) {
	r := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(frameJSON("s1", 1))},
			{Offset: 2, Value: []byte("not json")},
			{Offset: 3, Value: []byte(frameJSON("s1", 2))},
		},
		drained: make(chan struct{}),
	}
	out := make(chan model.Frame, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consume(ctx, r, out, nil)
		close(done)
	}()
	<-r.drained
	cancel()
	<-done

	if len(out) != 2 {
		t.Fatalf("queued = %d, want 2", len(out))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commits) != 3 || r.commits[2] != 3 {
		t.Fatalf("commits = %v", r.commits)
	}
}

func TestTCPStreamDecodesLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Frame, 10)
	go serveTCP(ctx, ln, out, nil)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = conn.Write([]byte(frameJSON("s1", 1) + "\nbad\n" + frameJSON("s1", 2) + "\n"))
	conn.Close()

	for i := 0; i < 2; i++ {
		select {
		case f := <-out:
			if f.Source != "tcp_stream" || f.Timestamp.Unix() != int64(i+1) {
				t.Fatalf("frame %d: %+v", i, f)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}
