package ows

import (
	"bytes"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileItem is one part of a multipart/form-data upload.
type FileItem interface {
	FieldName() string
	FileName() string
	IsFormField() bool
	Open() (io.ReadCloser, error)
	// String returns the content of the item as text.
	String() string
	// Delete releases the storage of the item. Deleting twice is a no-op.
	Delete() error
}

// FileItemFactory stores uploaded parts.
type FileItemFactory interface {
	CreateItem(fieldName, fileName string, isFormField bool, content io.Reader) (FileItem, error)
}

// DefaultSizeThreshold is the size above which uploads are spooled to
// disk.
const DefaultSizeThreshold = 10 * 1024

// DiskFileItemFactory keeps small items in memory and writes larger ones
// to temporary files in Dir.
type DiskFileItemFactory struct {
	SizeThreshold int64
	// Dir is the temporary directory, os.TempDir() when empty.
	Dir string
}

func NewDiskFileItemFactory(threshold int64, dir string) *DiskFileItemFactory {
	if threshold <= 0 {
		threshold = DefaultSizeThreshold
	}
	return &DiskFileItemFactory{SizeThreshold: threshold, Dir: dir}
}

func (f *DiskFileItemFactory) CreateItem(fieldName, fileName string, isFormField bool, content io.Reader) (FileItem, error) {
	item := &diskFileItem{fieldName: fieldName, fileName: fileName, formField: isFormField}

	var head bytes.Buffer
	n, err := io.CopyN(&head, content, f.SizeThreshold+1)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading upload %s", fieldName)
	}
	if n <= f.SizeThreshold {
		item.data = head.Bytes()
		return item, nil
	}

	tmp, err := ioutil.TempFile(f.Dir, "owsd-upload-")
	if err != nil {
		return nil, errors.Wrap(err, "creating upload temp file")
	}
	item.path = tmp.Name()
	if _, err = io.Copy(tmp, io.MultiReader(&head, content)); err != nil {
		tmp.Close()
		os.Remove(item.path)
		return nil, errors.Wrapf(err, "spooling upload %s", fieldName)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(item.path)
		return nil, errors.Wrapf(err, "spooling upload %s", fieldName)
	}
	return item, nil
}

type diskFileItem struct {
	fieldName string
	fileName  string
	formField bool

	mu      sync.Mutex
	data    []byte
	path    string
	deleted bool
}

func (i *diskFileItem) FieldName() string { return i.fieldName }
func (i *diskFileItem) FileName() string  { return i.fileName }
func (i *diskFileItem) IsFormField() bool { return i.formField }

func (i *diskFileItem) Open() (io.ReadCloser, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deleted {
		return nil, errors.Errorf("upload %s was deleted", i.fieldName)
	}
	if i.path == "" {
		return ioutil.NopCloser(bytes.NewReader(i.data)), nil
	}
	return os.Open(i.path)
}

func (i *diskFileItem) String() string {
	rc, err := i.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	b, _ := ioutil.ReadAll(rc)
	return string(b)
}

func (i *diskFileItem) Delete() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deleted {
		return nil
	}
	i.deleted = true
	i.data = nil
	if i.path == "" {
		return nil
	}
	if err := os.Remove(i.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsMultipart reports whether r carries multipart/form-data content.
func IsMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/")
}

// readMultipart stores the parts of a multipart upload. Every item is
// registered for deletion when the call is released, and every file item
// but the last is deleted as soon as the next one arrives. The returned
// item is the body of the call: the last file, else a form field named
// "body". The other form fields are returned as parameters.
func readMultipart(req *Request, factory FileItemFactory) (FileItem, map[string][]string, error) {
	mr, err := req.HTTPRequest.MultipartReader()
	if err != nil {
		return nil, nil, &ServiceException{Message: "Error handling multipart/form-data content", Cause: err}
	}

	var (
		body   FileItem
		fields []FileItem
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &ServiceException{Message: "Error handling multipart/form-data content", Cause: err}
		}

		formField := part.FileName() == ""
		item, err := factory.CreateItem(part.FormName(), part.FileName(), formField, part)
		part.Close()
		if err != nil {
			return nil, nil, &ServiceException{Message: "Error handling multipart/form-data content", Cause: err}
		}
		req.addResource(item.Delete)

		if formField {
			fields = append(fields, item)
			continue
		}
		if body != nil {
			if err := body.Delete(); err != nil {
				logger.Warnf("Failed to delete upload %s: %v", body.FieldName(), err)
			}
		}
		body = item
	}

	params := make(map[string][]string)
	for _, item := range fields {
		if body == nil && strings.EqualFold(item.FieldName(), "body") {
			body = item
			continue
		}
		params[item.FieldName()] = append(params[item.FieldName()], item.String())
	}
	return body, params, nil
}
