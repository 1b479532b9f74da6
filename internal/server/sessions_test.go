package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/session"
)

func newTestStore(t *testing.T, ttl time.Duration) (*sessionStore, *time.Time) {
	t.Helper()
	n := 0
	st := newSessionStore(func(apiKey string) (*session.Session, error) {
		n++
		return session.New(fmt.Sprintf("s%d", n), session.Deps{
			Config: config.Default(),
			APIKey: apiKey,
			Providers: func(context.Context, string) (embedding.Embedder, llmservice.ChatModel, error) {
				return hashEmbedder{}, cannedLLM{}, nil
			},
		}), nil
	}, ttl)
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }
	return st, &clock
}

func TestSessionStore_SweepClosesIdleSessions(t *testing.T) {
	st, clock := newTestStore(t, 30*time.Minute)

	idle, err := st.open("k")
	if err != nil {
		t.Fatal(err)
	}
	busy, err := st.open("k")
	if err != nil {
		t.Fatal(err)
	}
	recent, err := st.open("k")
	if err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(20 * time.Minute)
	_, release, err := st.acquire(recent.ID())
	if err != nil {
		t.Fatal(err)
	}
	release()
	_, releaseBusy, err := st.acquire(busy.ID())
	if err != nil {
		t.Fatal(err)
	}
	defer releaseBusy()

	*clock = clock.Add(20 * time.Minute)
	if n := st.sweep(); n != 1 {
		t.Errorf("swept %d sessions, want 1", n)
	}
	if _, _, err := st.acquire(idle.ID()); err != errUnknownSession {
		t.Errorf("idle session still present: %v", err)
	}

	// A session in use is never swept, however old.
	*clock = clock.Add(time.Hour)
	st.sweep()
	st.mu.Lock()
	_, busyKept := st.entries[busy.ID()]
	_, recentKept := st.entries[recent.ID()]
	st.mu.Unlock()
	if !busyKept {
		t.Error("session in use was swept")
	}
	if recentKept {
		t.Error("recent session should be idle by now")
	}
}

func TestSessionStore_AcquireSerializesRequests(t *testing.T) {
	st, _ := newTestStore(t, 0)
	sess, err := st.open("k")
	if err != nil {
		t.Fatal(err)
	}

	_, release, err := st.acquire(sess.ID())
	if err != nil {
		t.Fatal(err)
	}
	acquired := make(chan func())
	go func() {
		_, second, err := st.acquire(sess.ID())
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		acquired <- second
	}()

	select {
	case <-acquired:
		t.Fatal("second request ran while the first held the session")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case second := <-acquired:
		if second != nil {
			second()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second request never ran")
	}

	if st.sweep() != 0 {
		t.Error("zero ttl should disable sweeping")
	}
}

func TestServer_ConcurrentUploadsOfOneFile(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/sessions/" + openSession(t, srv, "k")

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, ct := multipartBody(t, "files", map[string][]byte{"pump.txt": corpus["pump.txt"]})
			req, err := http.NewRequest(http.MethodPost, base+"/documents", body)
			if err != nil {
				t.Error(err)
				return
			}
			req.Header.Set("Content-Type", ct)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("upload: %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	resp, data := do(t, http.MethodGet, base+"/documents", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	var docs []session.DocumentInfo
	if err := json.Unmarshal(data, &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("documents = %+v, want one pump.txt", docs)
	}
}
