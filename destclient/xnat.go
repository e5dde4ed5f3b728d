package destclient

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// XNATClient is an HTTPS multipart/zip uploader, spec §4.D. Its HTTP
// transport is fasthttp (the teacher's own direct dependency) instead
// of net/http. The zip archive and the multipart body are both built in
// memory before the request is sent; uploads are not streamed.
type XNATClient struct {
	spec   core.XNATSpec
	client *fasthttp.Client

	mu        sync.Mutex
	sessionID string
}

func NewXNATClient(spec core.XNATSpec) *XNATClient {
	timeout := time.Duration(spec.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &XNATClient{
		spec: spec,
		client: &fasthttp.Client{
			Name:                "xnat-dicom-router",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxConnsPerHost:     maxInt(spec.PoolSize, 4),
			MaxIdleConnDuration: timeout,
		},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Probe authenticates then immediately invalidates the session, per
// spec §4.D "probe semantics per type: XNAT = authenticate then
// invalidate session".
func (c *XNATClient) Probe(ctx context.Context) bool {
	sid, err := c.authenticate()
	if err != nil {
		return false
	}
	c.invalidate(sid)
	return true
}

func (c *XNATClient) authenticate() (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.spec.URL + "/data/JSESSION")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBasicAuth(c.spec.Username, c.spec.Password)

	if err := c.client.Do(req, resp); err != nil {
		return "", err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("xnat: authenticate http %d", resp.StatusCode())
	}
	sid := string(append([]byte(nil), resp.Body()...))
	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	return sid, nil
}

func (c *XNATClient) invalidate(sid string) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(c.spec.URL + "/data/JSESSION")
	req.Header.SetMethod(fasthttp.MethodDelete)
	req.Header.SetCookie("JSESSIONID", sid)
	_ = c.client.Do(req, resp)
}

// Send zips the files and multipart-uploads them to the archive or
// prearchive endpoint selected by params.AutoArchive, spec §4.D.
func (c *XNATClient) Send(ctx context.Context, params SendParams, files []string) (core.SendResult, error) {
	start := time.Now()
	sid, err := c.authenticate()
	if err != nil {
		return core.SendResult{}, &core.DestinationUnavailable{Destination: "xnat", Cause: err}
	}

	zipBuf, err := zipFiles(files)
	if err != nil {
		return core.SendResult{}, core.Wrap(err, "xnat: zip instances")
	}

	body, contentType, err := multipartBody("file", params.SessionLabel+".zip", zipBuf)
	if err != nil {
		return core.SendResult{}, core.Wrap(err, "xnat: build multipart body")
	}

	url := c.uploadURL(params)
	status, respBody, err := c.upload(url, contentType, body, sid)
	if err == nil && status == fasthttp.StatusUnauthorized {
		sid, err = c.authenticate()
		if err == nil {
			status, respBody, err = c.upload(url, contentType, body, sid)
		}
	}
	dur := time.Since(start)
	if err != nil {
		return core.SendResult{Success: false, Duration: dur, Message: err.Error(), Retryable: true}, nil
	}
	switch {
	case status == fasthttp.StatusUnauthorized || status >= 500:
		return core.SendResult{Success: false, Duration: dur, Message: fmt.Sprintf("http %d: %s", status, respBody), Retryable: true}, nil
	case status >= 400:
		return core.SendResult{Success: false, Duration: dur, Message: fmt.Sprintf("http %d: %s", status, respBody), Retryable: false}, nil
	default:
		return core.SendResult{Success: true, FilesTransferred: len(files), Duration: dur, Message: "uploaded"}, nil
	}
}

func (c *XNATClient) uploadURL(p SendParams) string {
	if p.AutoArchive {
		return fmt.Sprintf("%s/data/archive/projects/%s/subjects/%s/experiments/%s/resources/DICOM/files",
			c.spec.URL, p.ProjectID, p.Subject, p.SessionLabel)
	}
	return fmt.Sprintf("%s/data/prearchive/projects/%s", c.spec.URL, p.ProjectID)
}

func (c *XNATClient) upload(url, contentType string, body []byte, sid string) (int, string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentType)
	req.Header.SetCookie("JSESSIONID", sid)
	req.SetBody(body)

	if err := c.client.Do(req, resp); err != nil {
		return 0, "", err
	}
	return resp.StatusCode(), string(resp.Body()), nil
}

func (c *XNATClient) Close() error {
	c.mu.Lock()
	sid := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if sid != "" {
		c.invalidate(sid)
	}
	return nil
}

func zipFiles(paths []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		w, err := zw.Create(filepath.Base(p))
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func multipartBody(field, filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
