// Package cache keeps GetCapabilities documents in memcache.
package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/nci/gomemcache/memcache"
	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

var log = logrus.WithField("component", "cache")

// MaxItemSize is the largest document cached, the default item size limit
// of memcached.
const MaxItemSize = 1024 * 1024

const keyPrefix = "owsd:"

// Client is the part of memcache.Client used by the cache.
type Client interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// Cache serves GetCapabilities calls from memcache. It is installed both
// as HTTP middleware, which stores documents, and as a dispatcher
// callback, which replays them and tells the middleware whether a call
// failed. Its DocumentResponse must be registered with the dispatcher.
type Cache struct {
	ows.BaseCallback

	client Client
	// Expiration in seconds.
	Expiration int32
	// Generation is mixed into every key, a configuration reload bumps it
	// so that stale documents are never served.
	Generation string
}

func New(config utils.CacheConfig) *Cache {
	return NewWithClient(memcache.New(config.Servers...), config.Expiration)
}

func NewWithClient(client Client, expiration int32) *Cache {
	return &Cache{client: client, Expiration: expiration}
}

// Key identifies a call by path and parameters, regardless of their case
// and order. ok is false for calls that are not cached.
func (c *Cache) Key(r *http.Request) (key string, ok bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return "", false
	}
	query, err := utils.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return "", false
	}
	request := query.Get("request")
	if !strings.EqualFold(strings.TrimSpace(request), "GetCapabilities") {
		return "", false
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	h.Write([]byte(c.Generation))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	for _, k := range keys {
		values := query[k]
		if k == "service" || k == "request" {
			values = upper(values)
		}
		h.Write([]byte{0})
		h.Write([]byte(k))
		for _, v := range values {
			h.Write([]byte{'='})
			h.Write([]byte(v))
		}
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil)), true
}

func upper(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}

// DocumentKind tags documents replayed from the cache.
var DocumentKind = ows.NewKind("cache.document", nil)

// Document is a response replayed from the cache.
type Document struct {
	ContentType string
	Body        []byte
}

func (d *Document) Kind() *ows.Kind {
	return DocumentKind
}

// DocumentResponse writes cached documents as they were stored.
type DocumentResponse struct {
	ows.BaseResponse
}

func NewDocumentResponse() *DocumentResponse {
	return &DocumentResponse{BaseResponse: ows.BaseResponse{Kind: DocumentKind}}
}

func (r *DocumentResponse) String() string {
	return "cache.DocumentResponse"
}

func (r *DocumentResponse) MimeType(value interface{}, _ *ows.Operation) (string, error) {
	doc, ok := value.(*Document)
	if !ok {
		return "", errors.Errorf("not a cached document: %T", value)
	}
	return doc.ContentType, nil
}

func (r *DocumentResponse) Headers(interface{}, *ows.Operation) [][2]string {
	return [][2]string{{"X-Cache", "HIT"}}
}

func (r *DocumentResponse) Write(value interface{}, w io.Writer, _ *ows.Operation) error {
	doc, ok := value.(*Document)
	if !ok {
		return errors.Errorf("not a cached document: %T", value)
	}
	_, err := w.Write(doc.Body)
	return err
}

type outcomeKey struct{}

type outcome struct {
	mu     sync.Mutex
	failed bool
	seen   bool
	hit    bool
}

func outcomeOf(req *ows.Request) *outcome {
	if req.HTTPRequest == nil {
		return nil
	}
	o, _ := req.HTTPRequest.Context().Value(outcomeKey{}).(*outcome)
	return o
}

// OperationDispatched replaces the operation of a call found in the cache
// by the replay of the stored document. Callbacks registered earlier, the
// access rules among them, have accepted the call by then.
func (c *Cache) OperationDispatched(req *ows.Request, op *ows.Operation) (*ows.Operation, error) {
	o := outcomeOf(req)
	if o == nil || op == nil || op.Service == nil {
		return nil, nil
	}
	key, ok := c.Key(req.HTTPRequest)
	if !ok {
		return nil, nil
	}

	item, err := c.client.Get(key)
	if err != nil {
		if err != memcache.ErrCacheMiss {
			log.Warnf("Cache get %s: %v", key, err)
		}
		return nil, nil
	}
	contentType, body, ok := decode(item.Value)
	if !ok {
		return nil, nil
	}
	log.Debugf("Cache hit %s", req.HTTPRequest.URL)

	o.mu.Lock()
	o.hit = true
	o.mu.Unlock()

	doc := &Document{ContentType: contentType, Body: body}
	name := op.ID
	if op.Method != nil {
		name = op.Method.Name
	}
	replay := &ows.Method{
		Name: name,
		Invoke: func(context.Context, []interface{}) (interface{}, error) {
			return doc, nil
		},
	}
	service := *op.Service
	service.Handler = ows.Methods{replay}
	return &ows.Operation{ID: op.ID, Service: &service, Method: replay, Parameters: op.Parameters}, nil
}

// Finished records whether the call failed for the middleware.
func (c *Cache) Finished(req *ows.Request) {
	if o := outcomeOf(req); o != nil {
		o.mu.Lock()
		o.seen = true
		o.failed = req.Error != nil
		o.mu.Unlock()
	}
}

// Handler stores the successful GetCapabilities documents next produces.
// Stored documents are replayed by the dispatcher once the call passed its
// checks, so the Cache must also be registered as a dispatcher callback,
// after the access rules.
func (c *Cache) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := c.Key(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		o := &outcome{}
		tee := &teeWriter{ResponseWriter: w}
		next.ServeHTTP(tee, r.WithContext(context.WithValue(r.Context(), outcomeKey{}, o)))

		o.mu.Lock()
		cacheable := o.seen && !o.failed && !o.hit
		o.mu.Unlock()
		if !cacheable || tee.status != http.StatusOK || tee.overflow || r.Method == http.MethodHead {
			return
		}

		item := &memcache.Item{
			Key:        key,
			Value:      encode(tee.Header().Get("Content-Type"), tee.buf.Bytes()),
			Expiration: c.Expiration,
		}
		if err := c.client.Set(item); err != nil {
			log.Warnf("Cache set %s: %v", key, err)
		}
	})
}

// encode prefixes body with its content type and a newline.
func encode(contentType string, body []byte) []byte {
	value := make([]byte, 0, len(contentType)+1+len(body))
	value = append(value, contentType...)
	value = append(value, '\n')
	return append(value, body...)
}

func decode(value []byte) (string, []byte, bool) {
	i := bytes.IndexByte(value, '\n')
	if i < 0 {
		return "", nil, false
	}
	return string(value[:i]), value[i+1:], true
}

// teeWriter copies what is written to the client up to MaxItemSize.
type teeWriter struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	overflow bool
}

func (t *teeWriter) WriteHeader(status int) {
	if t.status == 0 {
		t.status = status
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *teeWriter) Write(p []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	if !t.overflow {
		if t.buf.Len()+len(p) > MaxItemSize {
			t.overflow = true
			t.buf.Reset()
		} else {
			t.buf.Write(p)
		}
	}
	return t.ResponseWriter.Write(p)
}

func (t *teeWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
