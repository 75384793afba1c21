package service_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Retester/internal/model"
	"github.com/CZERTAINLY/Retester/internal/service"

	"github.com/stretchr/testify/require"
)

func TestWriteSubscriber(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := service.NewWriteSubscriber(&buf)
	require.NoError(t, s.Publish(t.Context(), model.Message{Kind: model.KindTest, File: "a_test.go"}))
	require.Equal(t, `{"kind":"test","file":"a_test.go","lines":[]}`+"\n", buf.String())
}

func TestOSRootSubscriber(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := service.NewOSRootSubscriber(dir)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(s.Name(), "retester-"))

	// lazy creation
	_, err = os.Stat(filepath.Join(dir, s.Name()))
	require.ErrorIs(t, err, os.ErrNotExist)

	// one retester per directory
	_, err = service.NewOSRootSubscriber(dir)
	require.ErrorIs(t, err, service.ErrDirLocked)

	require.NoError(t, s.Publish(t.Context(), model.Message{Kind: model.KindPass, File: "a_test.go"}))
	require.NoError(t, s.Publish(t.Context(), model.Message{Kind: model.KindFail, File: "b_test.go", Lines: []int{7}}))
	require.NoError(t, s.Close())
	require.Error(t, s.Close())
	require.Error(t, s.Publish(t.Context(), model.Message{Kind: model.KindPass}))

	b, err := os.ReadFile(filepath.Join(dir, s.Name()))
	require.NoError(t, err)
	require.Equal(t,
		`{"kind":"pass","file":"a_test.go","lines":[]}`+"\n"+
			`{"kind":"fail","file":"b_test.go","lines":[7]}`+"\n",
		string(b))

	_, err = service.NewOSRootSubscriber(filepath.Join(dir, "missing"))
	require.Error(t, err)

	// unlocked by Close
	again, err := service.NewOSRootSubscriber(dir)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestWebhookSubscriber(t *testing.T) {
	t.Parallel()

	var mx sync.Mutex
	var got []model.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		msg, err := model.ParseMessage(b)
		require.NoError(t, err)

		if msg.File == "reject_test.go" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "rejected"})
			return
		}
		mx.Lock()
		got = append(got, msg)
		mx.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	s, err := service.NewWebhookSubscriber(t.Context(), srv.URL+"/events")
	require.NoError(t, err)

	pass := model.Message{Kind: model.KindPass, File: "a_test.go"}
	require.NoError(t, s.Publish(t.Context(), pass))
	// rejected event is logged, the next one is still posted
	require.NoError(t, s.Publish(t.Context(), model.Message{Kind: model.KindPassToFail, File: "reject_test.go"}))
	event := model.Message{Kind: model.KindFailToPass, File: "a_test.go", Payload: &pass}
	require.NoError(t, s.Publish(t.Context(), event))
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Publish(t.Context(), event), service.ErrWebhookClosed)
	require.ErrorIs(t, s.Close(), service.ErrWebhookClosed)

	mx.Lock()
	defer mx.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, model.KindFailToPass, got[0].Kind)
	require.NotNil(t, got[0].Payload)
	require.Equal(t, model.KindPass, got[0].Payload.Kind)

	for _, url := range []string{"localhost", "ftp://localhost", "http://"} {
		_, err := service.NewWebhookSubscriber(t.Context(), url)
		require.Error(t, err, url)
	}
}

func TestWebhookSubscriber_SlowEndpoint(t *testing.T) {
	t.Parallel()

	var posted atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		posted.Add(1)
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)

	hook, err := service.NewWebhookSubscriber(t.Context(), srv.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	a := testFile(t, dir, "a_test.go", "green")
	in, control := io.Pipe()
	s := service.NewSupervisor(shWorker(t, testWorker), in, hook)
	errs := run(t, s, control)

	send(t, control, service.Control{Op: service.OpDispatch, File: a})
	eventually(t, s, []string{a}, nil)

	// pass to fail is held by the endpoint
	testFile(t, dir, "a_test.go", "red")
	send(t, control, service.Control{Op: service.OpDispatch, File: a})
	eventually(t, s, nil, []string{a})
	require.Eventually(t, func() bool {
		return posted.Load() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// the tracker keeps answering while the endpoint hangs
	testFile(t, dir, "a_test.go", "green")
	send(t, control, service.Control{Op: service.OpDispatch, File: a})
	eventually(t, s, []string{a}, nil)
	require.EqualValues(t, 1, posted.Load())

	unblock()
	send(t, control, service.Control{Op: service.OpQuit})
	require.NoError(t, <-errs)
	// the tracker closed the webhook, the queued event was posted
	require.EqualValues(t, 2, posted.Load())
}
