// Package client talks to the task registry: it lists tasks, keeps the local
// content cache in sync using conditional downloads, and publishes bundles.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"deploycli/pkg/archive"
	"deploycli/pkg/digest"
	"deploycli/pkg/manifest"
	"deploycli/pkg/signing"
	"deploycli/services/client/cache"
)

const (
	headerDigest    = "X-Task-Digest"
	errorBodyLimit  = 2048
	uploadFieldName = "file"
)

// Outcome of a Fetch.
type Outcome string

const (
	OutcomeTransferred Outcome = "transferred"
	OutcomeNotModified Outcome = "not_modified"
)

// FetchResult describes the cache entry a Fetch left behind.
type FetchResult struct {
	Outcome     Outcome
	Digest      string
	ArchivePath string
	Dir         string
	Script      string
}

// UpdateSummary is the registry's answer to a reconcile request.
type UpdateSummary struct {
	Added   int       `json:"added"`
	Updated int       `json:"updated"`
	Removed int       `json:"removed"`
	At      time.Time `json:"at"`
}

// Options configure a Client.
type Options struct {
	Server   string
	Password string
	Cache    *cache.Cache
	// Verifier, when set, requires every transferred archive to carry a
	// valid X-Task-Signature.
	Verifier   *signing.Signer
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is a registry client bound to one cache.
type Client struct {
	base     *url.URL
	password string
	cache    *cache.Cache
	verifier *signing.Signer
	http     *http.Client
	log      zerolog.Logger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Server) == "" {
		return nil, errors.New("server url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.Server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", opts.Server)
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:     base,
		password: opts.Password,
		cache:    opts.Cache,
		verifier: opts.Verifier,
		http:     httpClient,
		log:      opts.Logger,
	}, nil
}

// Cache returns the client's content cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.password)
	return req, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.http.Do(req)
}

// List returns the registry's tasks ordered by name then id.
func (c *Client) List(ctx context.Context) ([]manifest.Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/tasks", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer drain(resp.Body)

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []manifest.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return tasks, nil
}

// Fetch brings the cached archive and unpacked bundle of t up to date with
// the registry. A 304 reuses the cache; a 200 replaces it. Any other answer
// leaves the cache untouched.
func (c *Client) Fetch(ctx context.Context, t manifest.Task) (FetchResult, error) {
	local, err := c.cache.LookupDigest(t)
	if err != nil {
		return FetchResult{}, &TransferError{Stage: StageLookup, Task: t, Err: err}
	}

	form := url.Values{}
	form.Set("id", t.ID)
	form.Set("name", t.Name)
	form.Set("digest", local)

	resp, err := c.postForm(ctx, "/tasks/download", form)
	if err != nil {
		return FetchResult{}, &TransferError{Stage: StageRequest, Task: t, Err: err}
	}
	defer drain(resp.Body)

	log := c.log.With().Str("task", t.Key()).Logger()

	switch resp.StatusCode {
	case http.StatusNotModified:
		log.Debug().Str("digest", local).Msg("cache up to date")
		res := FetchResult{
			Outcome:     OutcomeNotModified,
			Digest:      local,
			ArchivePath: c.cache.ArchivePathFor(t),
			Dir:         c.cache.UnpackedDirFor(t),
		}
		if !c.cache.HasUnpacked(t) {
			if _, err := c.cache.Unpack(ctx, t); err != nil {
				return FetchResult{}, &TransferError{Stage: StageUnpack, Task: t, Err: err}
			}
		}
		return c.withScript(t, res)

	case http.StatusOK:
		return c.receive(ctx, t, resp)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return FetchResult{}, &TransferError{
			Stage:  StageRequest,
			Task:   t,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
}

func (c *Client) receive(ctx context.Context, t manifest.Task, resp *http.Response) (FetchResult, error) {
	staged, err := c.cache.Stage(t, resp.Body)
	if err != nil {
		return FetchResult{}, &TransferError{Stage: StageStage, Task: t, Status: resp.StatusCode, Err: err}
	}
	defer staged.Discard()

	sum := staged.Digest()
	if served := resp.Header.Get(headerDigest); served != "" {
		if algo := digest.Detect(served); algo != c.cache.Algorithm() {
			sum, err = digest.File(algo, staged.Path())
			if err != nil {
				return FetchResult{}, &TransferError{Stage: StageVerify, Task: t, Status: resp.StatusCode, Err: err}
			}
		}
		if !digest.Equal(served, sum) {
			return FetchResult{}, &TransferError{
				Stage:  StageVerify,
				Task:   t,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("received digest %s, server announced %s", sum, served),
			}
		}
	}

	if c.verifier != nil {
		if err := c.verifier.Verify(sum, resp.Header.Get(signing.Header)); err != nil {
			return FetchResult{}, &TransferError{Stage: StageVerify, Task: t, Status: resp.StatusCode, Err: err}
		}
	}

	path, err := staged.Commit()
	if err != nil {
		return FetchResult{}, &TransferError{Stage: StageCommit, Task: t, Status: resp.StatusCode, Err: err}
	}
	dir, err := c.cache.Unpack(ctx, t)
	if err != nil {
		return FetchResult{}, &TransferError{Stage: StageUnpack, Task: t, Status: resp.StatusCode, Err: err}
	}

	c.log.Debug().Str("task", t.Key()).Str("digest", staged.Digest()).Int64("bytes", staged.Size()).Msg("archive received")
	return c.withScript(t, FetchResult{
		Outcome:     OutcomeTransferred,
		Digest:      staged.Digest(),
		ArchivePath: path,
		Dir:         dir,
	})
}

func (c *Client) withScript(t manifest.Task, res FetchResult) (FetchResult, error) {
	script, err := manifest.EntryScriptPath(res.Dir)
	if err != nil {
		return FetchResult{}, &TransferError{Stage: StageExecute, Task: t, Err: err}
	}
	res.Script = script
	return res, nil
}

// Upload validates the bundle in dir, packs it and publishes it under its
// manifest identity.
func (c *Client) Upload(ctx context.Context, dir string) (manifest.Task, error) {
	task, err := manifest.LoadBundle(dir)
	if err != nil {
		return manifest.Task{}, err
	}
	if _, err := manifest.EntryScriptPath(dir); err != nil {
		return manifest.Task{}, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(uploadFieldName, task.Key())
		if err == nil {
			err = archive.Pack(ctx, dir, part)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/tasks/upload", pr)
	if err != nil {
		pr.Close()
		return manifest.Task{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return manifest.Task{}, fmt.Errorf("upload %s: %w", task, err)
	}
	defer drain(resp.Body)

	if err := checkStatus(resp); err != nil {
		return manifest.Task{}, fmt.Errorf("upload %s: %w", task, err)
	}
	return task, nil
}

// Delete removes t from the registry.
func (c *Client) Delete(ctx context.Context, t manifest.Task) error {
	form := url.Values{}
	form.Set("id", t.ID)
	form.Set("name", t.Name)

	resp, err := c.postForm(ctx, "/tasks/delete", form)
	if err != nil {
		return fmt.Errorf("delete %s: %w", t, err)
	}
	defer drain(resp.Body)

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete %s: %w", t, err)
	}
	return nil
}

// Update asks the registry to rescan its bundle directory.
func (c *Client) Update(ctx context.Context) (UpdateSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/tasks/update", nil)
	if err != nil {
		return UpdateSummary{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return UpdateSummary{}, fmt.Errorf("update registry: %w", err)
	}
	defer drain(resp.Body)

	if err := checkStatus(resp); err != nil {
		return UpdateSummary{}, fmt.Errorf("update registry: %w", err)
	}
	var summary UpdateSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return UpdateSummary{}, fmt.Errorf("decode update summary: %w", err)
	}
	return summary, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
