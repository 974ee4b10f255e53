package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploycli/pkg/archive"
	"deploycli/pkg/bus"
	"deploycli/pkg/digest"
	"deploycli/pkg/manifest"
	"deploycli/pkg/signing"
)

const testSecret = "secret"

const (
	id1 = "11111111-1111-4111-8111-111111111111"
	id2 = "22222222-2222-4222-8222-222222222222"
	id3 = "33333333-3333-4333-8333-333333333333"
	id9 = "99999999-9999-4999-8999-999999999999"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakePublisher) Publish(_ context.Context, subj string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	return nil
}

func (f *fakePublisher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...)
}

type fakeMirror struct {
	mu      sync.Mutex
	put     map[string][]byte
	deleted []string
}

func (f *fakeMirror) Key(name string) string { return "tasks/" + name }

func (f *fakeMirror) PutFile(_ context.Context, key, path string, _ map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.put == nil {
		f.put = map[string][]byte{}
	}
	f.put[key] = data
	return nil
}

func (f *fakeMirror) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	tasksDir string
	registry *MemoryRegistry
	events   *fakePublisher
	mirror   *fakeMirror
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	tasksDir := filepath.Join(t.TempDir(), "tasks")
	bundles, err := NewBundles(tasksDir)
	require.NoError(t, err)

	env := &testEnv{
		tasksDir: tasksDir,
		registry: NewMemoryRegistry(),
		events:   &fakePublisher{},
		mirror:   &fakeMirror{},
	}
	opts := Options{
		Password: testSecret,
		Bundles:  bundles,
		Registry: env.registry,
		Events:   env.events,
		Mirror:   env.mirror,
		Logger:   zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	env.server, err = New(opts)
	require.NoError(t, err)
	env.http = httptest.NewServer(env.server.Routes())
	t.Cleanup(env.http.Close)
	return env
}

func writeBundle(t *testing.T, root string, task manifest.Task, script string) string {
	t.Helper()
	dir := filepath.Join(root, task.Key())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := fmt.Sprintf("id = %q\nname = %q\ndescription = %q\n", task.ID, task.Name, task.Description)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.UnixScript), []byte(script), 0o755))
	return dir
}

func (e *testEnv) request(t *testing.T, method, path string, form url.Values, auth *string) *http.Response {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, e.http.URL+path, body)
	require.NoError(t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != nil {
		req.Header.Set("Authorization", *auth)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) authed(t *testing.T, method, path string, form url.Values) *http.Response {
	secret := testSecret
	return e.request(t, method, path, form, &secret)
}

func (e *testEnv) download(t *testing.T, task manifest.Task, localDigest string) (*http.Response, []byte) {
	t.Helper()
	resp := e.authed(t, http.MethodPost, "/tasks/download", url.Values{
		"id":     {task.ID},
		"name":   {task.Name},
		"digest": {localDigest},
	})
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(e.tasksDir, tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, entries, "request-scoped files must be removed")
}

func decodeJSONBody(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	bundles, err := NewBundles(t.TempDir())
	require.NoError(t, err)
	_, err = New(Options{Password: "x", Bundles: bundles})
	assert.Error(t, err)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var msg string
	decodeJSONBody(t, resp, &msg)
	assert.Equal(t, "Missing Authorization header", msg)

	wrong := "nope"
	resp = env.request(t, http.MethodGet, "/tasks", nil, &wrong)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	decodeJSONBody(t, resp, &msg)
	assert.Equal(t, "Unauthorized", msg)

	resp = env.request(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.authed(t, http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectedBeforeCoreLogic(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, "echo\n")

	wrong := "nope"
	resp := env.request(t, http.MethodPost, "/tasks/delete", url.Values{"id": {id1}, "name": {"hello"}}, &wrong)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.DirExists(t, filepath.Join(env.tasksDir, task.Key()))
}

func TestListOrdersByNameThenID(t *testing.T) {
	env := newTestEnv(t)
	writeBundle(t, env.tasksDir, manifest.Task{ID: id2, Name: "b", Description: "b2"}, "echo\n")
	writeBundle(t, env.tasksDir, manifest.Task{ID: id9, Name: "a", Description: "a9"}, "echo\n")
	writeBundle(t, env.tasksDir, manifest.Task{ID: id1, Name: "b", Description: "b1"}, "echo\n")
	_, err := env.server.Reconcile(context.Background())
	require.NoError(t, err)

	resp := env.authed(t, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []manifest.Task
	decodeJSONBody(t, resp, &tasks)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"a-" + id9, "b-" + id1, "b-" + id2}, []string{tasks[0].Key(), tasks[1].Key(), tasks[2].Key()})
	assert.Equal(t, "a9", tasks[0].Description)
}

func TestListEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	resp := env.authed(t, http.MethodGet, "/tasks", nil)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestDownloadFreshnessNegotiation(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}
	dir := writeBundle(t, env.tasksDir, task, "echo v1\n")

	// empty digest always transfers
	resp, body := env.download(t, task, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, archive.ContentType, resp.Header.Get("Content-Type"))
	assert.EqualValues(t, len(body), resp.ContentLength)
	sum, err := digest.Reader(digest.MD5, bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, sum, resp.Header.Get(HeaderDigest))
	assert.Empty(t, resp.Header.Get(signing.Header))

	// matching digest is not modified
	resp, body = env.download(t, task, sum)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)

	// stale digest transfers
	resp, _ = env.download(t, task, "0123456789abcdef0123456789abcdef")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// changed content transfers again with a new digest
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.UnixScript), []byte("echo v2\n"), 0o755))
	resp, body = env.download(t, task, sum)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newSum, err := digest.Reader(digest.MD5, bytes.NewReader(body))
	require.NoError(t, err)
	assert.NotEqual(t, sum, newSum)

	out := t.TempDir()
	require.NoError(t, archive.Unpack(context.Background(), bytes.NewReader(body), out))
	script, err := os.ReadFile(filepath.Join(out, manifest.UnixScript))
	require.NoError(t, err)
	assert.Equal(t, "echo v2\n", string(script))

	env.assertNoTempFiles(t)
}

func TestDownloadUsesClientAlgorithm(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, "echo\n")

	resp, body := env.download(t, task, "blake3:stale")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum, err := digest.Reader(digest.BLAKE3, bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, sum, resp.Header.Get(HeaderDigest))

	resp, _ = env.download(t, task, sum)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestDownloadMissingTask(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.download(t, manifest.Task{ID: id1, Name: "ghost"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.authed(t, http.MethodPost, "/tasks/download", url.Values{"name": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.authed(t, http.MethodPost, "/tasks/download", url.Values{"id": {".."}, "name": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.authed(t, http.MethodPost, "/tasks/download", url.Values{"id": {"b-c"}, "name": {"a"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadSignsDigest(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := signing.New(identity.String(), "")
	require.NoError(t, err)

	env := newTestEnv(t, func(o *Options) { o.Signer = signer })
	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, "echo\n")

	resp, _ := env.download(t, task, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	verifier, err := signing.New("", signer.PublicKeyBase64())
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(resp.Header.Get(HeaderDigest), resp.Header.Get(signing.Header)))
}

func TestConcurrentDownloadsUseDistinctTempFiles(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, strings.Repeat("echo concurrent\n", 2000))

	const n = 12
	digests := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, env.http.URL+"/tasks/download",
				strings.NewReader(url.Values{"id": {task.ID}, "name": {task.Name}}.Encode()))
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("Authorization", testSecret)
			resp, err := env.http.Client().Do(req)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			sum, err := digest.Reader(digest.MD5, resp.Body)
			assert.NoError(t, err)
			digests[i] = sum
		}(i)
	}
	wg.Wait()

	for _, d := range digests {
		assert.Equal(t, digests[0], d)
	}
	env.assertNoTempFiles(t)
}

func packBundle(t *testing.T, task manifest.Task, withScript bool) []byte {
	t.Helper()
	root := t.TempDir()
	dir := writeBundle(t, root, task, "echo uploaded\n")
	if !withScript {
		require.NoError(t, os.Remove(filepath.Join(dir, manifest.UnixScript)))
	}
	var buf bytes.Buffer
	require.NoError(t, archive.Pack(context.Background(), dir, &buf))
	return buf.Bytes()
}

func multipartBody(t *testing.T, filename string, data []byte) ([]byte, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body.Bytes(), mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, filename string, data []byte) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, filename, data)
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/tasks/upload", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", testSecret)
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello", Description: "v1"}

	resp := env.upload(t, task.Key(), packBundle(t, task, true))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg string
	decodeJSONBody(t, resp, &msg)
	assert.Equal(t, "upload successfully", msg)

	got, err := env.registry.Get(context.Background(), id1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Description)
	assert.FileExists(t, filepath.Join(env.tasksDir, task.Key(), manifest.UnixScript))
	assert.Contains(t, env.mirror.put, "tasks/hello-"+id1+".tar.zst")
	assert.Contains(t, env.events.seen(), bus.SubjectUploaded)

	// re-upload replaces the whole bundle
	require.NoError(t, os.WriteFile(filepath.Join(env.tasksDir, task.Key(), "stale.txt"), []byte("x"), 0o644))
	task.Description = "v2"
	resp = env.upload(t, task.Key(), packBundle(t, task, true))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoFileExists(t, filepath.Join(env.tasksDir, task.Key(), "stale.txt"))
	got, err = env.registry.Get(context.Background(), id1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)

	env.assertNoTempFiles(t)
}

func TestUploadRejectsInvalidBundles(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}

	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{name: "missing entry script", filename: task.Key(), data: packBundle(t, task, false)},
		{name: "name mismatch", filename: "other-" + id1, data: packBundle(t, task, true)},
		{name: "corrupt archive", filename: task.Key(), data: []byte("not an archive")},
		{name: "hidden name", filename: ".tmp", data: packBundle(t, task, true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.upload(t, tt.filename, tt.data)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]string
			decodeJSONBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}

	assert.NoDirExists(t, filepath.Join(env.tasksDir, task.Key()))
	assert.NoDirExists(t, filepath.Join(env.tasksDir, "other-"+id1))
	list, err := env.registry.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	env.assertNoTempFiles(t)
}

type failingRegistry struct {
	*MemoryRegistry
	err error
}

func (f *failingRegistry) Upsert(context.Context, manifest.Task) error { return f.err }

func TestUploadRollsBackWhenRegistryFails(t *testing.T) {
	failing := &failingRegistry{MemoryRegistry: NewMemoryRegistry(), err: errors.New("registry unavailable")}
	env := newTestEnv(t, func(o *Options) { o.Registry = failing })

	t.Run("new task", func(t *testing.T) {
		task := manifest.Task{ID: id2, Name: "fresh"}
		resp := env.upload(t, task.Key(), packBundle(t, task, true))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.NoDirExists(t, filepath.Join(env.tasksDir, task.Key()))
	})

	t.Run("replacement", func(t *testing.T) {
		task := manifest.Task{ID: id1, Name: "hello", Description: "v1"}
		dir := writeBundle(t, env.tasksDir, task, "echo v1\n")

		next := task
		next.Description = "v2"
		resp := env.upload(t, next.Key(), packBundle(t, next, true))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		loaded, err := manifest.LoadBundle(dir)
		require.NoError(t, err)
		assert.Equal(t, task, loaded)
		script, err := os.ReadFile(filepath.Join(dir, manifest.UnixScript))
		require.NoError(t, err)
		assert.Equal(t, "echo v1\n", string(script))
	})

	assert.NotContains(t, env.events.seen(), bus.SubjectUploaded)
	env.assertNoTempFiles(t)
}

func TestDownloadsDuringUploadsSeeWholeBundle(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, strings.Repeat("echo before\n", 2000))
	body, contentType := multipartBody(t, task.Key(), packBundle(t, task, true))

	const rounds = 25
	outs := make([]string, rounds)
	for i := range outs {
		outs[i] = t.TempDir()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			req, err := http.NewRequest(http.MethodPost, env.http.URL+"/tasks/upload", bytes.NewReader(body))
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Authorization", testSecret)
			resp, err := env.http.Client().Do(req)
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			req, err := http.NewRequest(http.MethodPost, env.http.URL+"/tasks/download",
				strings.NewReader(url.Values{"id": {task.ID}, "name": {task.Name}}.Encode()))
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("Authorization", testSecret)
			resp, err := env.http.Client().Do(req)
			if !assert.NoError(t, err) {
				return
			}
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.NoError(t, err)
			if !assert.Equal(t, http.StatusOK, resp.StatusCode, "round %d", i) {
				continue
			}
			if assert.NoError(t, archive.Unpack(context.Background(), bytes.NewReader(data), outs[i])) {
				assert.FileExists(t, filepath.Join(outs[i], manifest.FileName))
				assert.FileExists(t, filepath.Join(outs[i], manifest.UnixScript))
			}
		}
	}()
	wg.Wait()

	env.assertNoTempFiles(t)
}

func TestUploadWithoutFile(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "value"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/tasks/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", testSecret)
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, "echo\n")
	_, err := env.server.Reconcile(context.Background())
	require.NoError(t, err)

	form := url.Values{"id": {id1}, "name": {"hello"}}
	resp := env.authed(t, http.MethodPost, "/tasks/delete", form)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg string
	decodeJSONBody(t, resp, &msg)
	assert.Equal(t, "delete successfully", msg)

	assert.NoDirExists(t, filepath.Join(env.tasksDir, task.Key()))
	_, err = env.registry.Get(context.Background(), id1, "hello")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"tasks/hello-" + id1 + ".tar.zst"}, env.mirror.deleted)
	assert.Contains(t, env.events.seen(), bus.SubjectDeleted)

	resp = env.authed(t, http.MethodPost, "/tasks/delete", form)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	keep := manifest.Task{ID: id1, Name: "keep", Description: "old"}
	gone := manifest.Task{ID: id2, Name: "gone"}
	writeBundle(t, env.tasksDir, keep, "echo\n")
	goneDir := writeBundle(t, env.tasksDir, gone, "echo\n")

	// same name, different id must survive when its sibling is removed
	require.NoError(t, env.registry.Upsert(ctx, manifest.Task{ID: id3, Name: "keep"}))
	require.NoError(t, os.MkdirAll(filepath.Join(env.tasksDir, "broken-9"), 0o755))

	resp := env.authed(t, http.MethodGet, "/tasks/update", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary ReconcileSummary
	decodeJSONBody(t, resp, &summary)
	assert.Equal(t, 2, summary.Added)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 1, summary.Removed, "the second keep task has no bundle")

	require.NoError(t, os.RemoveAll(goneDir))
	keep.Description = "new"
	writeBundle(t, env.tasksDir, keep, "echo\n")

	summary, err := env.server.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Added)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Removed)

	list, err := env.registry.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []manifest.Task{keep}, list)
	assert.Contains(t, env.events.seen(), bus.SubjectReconciled)
}

func TestMetricsRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	task := manifest.Task{ID: id1, Name: "hello"}
	writeBundle(t, env.tasksDir, task, "echo\n")
	env.download(t, task, "")

	resp = env.authed(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `deploy_registry_downloads_total{result="transferred"} 1`)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RateLimitRPS = 1 })

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		resp := env.request(t, http.MethodGet, "/healthz", nil, nil)
		codes[resp.StatusCode]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
}
