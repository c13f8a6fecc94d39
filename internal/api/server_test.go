package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/drops"
	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
	"github.com/dharsanguruparan/deaddrop/internal/signing"
)

type deletionLog struct {
	ids []string
}

func (d *deletionLog) PublishDeletion(_ context.Context, dropID string) error {
	d.ids = append(d.ids, dropID)
	return nil
}

type testEnv struct {
	ts        *httptest.Server
	svc       *drops.Service
	objects   *objectstore.Memory
	deletions *deletionLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := &config.Config{CORSOrigin: "https://app.example"}
	objects := objectstore.NewMemory(signing.NewSigner([]byte("secret")), ts.URL)
	deletions := &deletionLog{}
	svc := drops.NewService(drops.Deps{
		Store:     kvstore.NewMemoryStore(),
		Objects:   objects,
		Presigner: objects,
		Publisher: deletions,
		Logger:    log,
	}, drops.Options{
		TTL:               time.Hour,
		ShortCodeLength:   6,
		MaxShortCodeTries: 8,
		PresignPutExpiry:  time.Minute,
		PresignGetExpiry:  time.Minute,
		DeleteBatchSize:   1000,
		MaxChunks:         10,
	})
	handler = New(cfg, svc, objects, log).Handler()
	return &testEnv{ts: ts, svc: svc, objects: objects, deletions: deletions}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func upload(t *testing.T, target map[string]any, data string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, target["url"].(string), strings.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodOptions, "/drops", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDropLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, created := env.do(t, http.MethodPost, "/drops", map[string]any{
		"chunks": []map[string]any{{"hash": "c1", "size": 5}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	dropID := created["drop_id"].(string)
	chunk := created["presigned"].([]any)[0].(map[string]any)
	manifest := created["manifest_presigned"].(map[string]any)
	upload(t, chunk, "hello")

	resp, body := env.do(t, http.MethodPost, "/drops/"+dropID+"/finalize", map[string]any{
		"manifest_s3_key": manifest["key"],
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "manifest_s3_key does not exist", body["error"])
	assert.Equal(t, "conflict", body["kind"])

	upload(t, manifest, `{"chunks":[{"key":"`+chunk["key"].(string)+`","iv":"x"}]}`)
	resp, fin := env.do(t, http.MethodPost, "/finalize", map[string]any{
		"drop_id":         dropID,
		"manifest_s3_key": manifest["key"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := fin["short_code"].(string)
	assert.Len(t, code, 6)

	resp, mapping := env.do(t, http.MethodGet, "/codes/"+strings.ToLower(code), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dropID, mapping["drop_id"])
	assert.Equal(t, "ready", mapping["status"])

	resp, got := env.do(t, http.MethodGet, "/codes/"+code+"/drop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chunks := got["chunks"].([]any)
	require.Len(t, chunks, 1)
	download := chunks[0].(map[string]any)
	assert.Equal(t, "x", download["iv"])

	dl, err := http.Get(download["url"].(string))
	require.NoError(t, err)
	data, err := io.ReadAll(dl.Body)
	dl.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	resp, attempt := env.do(t, http.MethodPost, "/drops/"+dropID+"/attempts", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, attempt["attempt_id"])

	resp, burned := env.do(t, http.MethodPost, "/drops/"+dropID+"/burn", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "burning", burned["status"])
	assert.Equal(t, []string{dropID}, env.deletions.ids)

	resp, body = env.do(t, http.MethodGet, "/drops/"+dropID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "burning", body["status"])

	_, err = env.svc.Purge(context.Background(), dropID)
	require.NoError(t, err)
	assert.Zero(t, env.objects.Len())

	resp, body = env.do(t, http.MethodPost, "/drops/"+dropID+"/burn", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		method, path string
		body         any
		status       int
		kind         string
	}{
		{http.MethodPost, "/drops", map[string]any{"chunks": []any{}}, http.StatusBadRequest, "validation"},
		{http.MethodPost, "/drops", map[string]any{"chunks": []map[string]any{{"hash": "../etc"}}}, http.StatusBadRequest, "validation"},
		{http.MethodPost, "/drops", nil, http.StatusBadRequest, "validation"},
		{http.MethodPost, "/finalize", map[string]any{"drop_id": "x"}, http.StatusBadRequest, "validation"},
		{http.MethodPost, "/drops/missing/finalize", map[string]any{"manifest_s3_key": "drops/missing/manifest.json"}, http.StatusNotFound, "not_found"},
		{http.MethodPost, "/drops/a/finalize", map[string]any{"drop_id": "b", "manifest_s3_key": "k"}, http.StatusBadRequest, "validation"},
		{http.MethodGet, "/drops/missing", nil, http.StatusNotFound, "not_found"},
		{http.MethodGet, "/codes/NOPE42", nil, http.StatusNotFound, "not_found"},
		{http.MethodPost, "/drops/missing/burn", nil, http.StatusNotFound, "not_found"},
		{http.MethodPost, "/drops/missing/attempts", map[string]any{"result": "failed"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			resp, body := env.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.kind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/drops/a/b/c", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/drops/a/burn", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/codes/abc/other", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBlobRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/blobs/drops/x/chunks/a?expires=1&signature=bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
