package metrics

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInfo(id string) *MetricsInfo {
	info := NewMetricsCollector(nil).Info
	info.RequestID = id
	info.Timestamp = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	info.ReqTime = info.Timestamp.Format(time.RFC3339)
	info.ReqDuration = 1500 * time.Millisecond
	info.Method = "GET"
	info.URL.RawURL = "http://example.com/ows?SERVICE=WMS&layers=a&layers=b&format=image/png"
	info.RemoteAddr = "10.0.0.1:5432"
	info.HTTPStatus = 200
	info.Dispatch.Service = "WMS"
	info.Dispatch.Request = "GetMap"
	return info
}

func TestMetricsInfoToJSON(t *testing.T) {
	out, err := sampleInfo("abc").ToJSON()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "abc", doc["request_id"])
	assert.Equal(t, "10.0.0.1", doc["remote_host"])
	assert.Equal(t, "5432", doc["remote_port"])

	u := doc["url"].(map[string]interface{})
	assert.Equal(t, "example.com", u["host"])
	assert.Equal(t, "/ows", u["path"])
	query := u["query"].(map[string]interface{})
	assert.Equal(t, "WMS", query["service"])
	assert.Equal(t, "[a b]", query["layers"])
	assert.Equal(t, "image/png", query["format"])

	dispatch := doc["dispatch"].(map[string]interface{})
	assert.Equal(t, "GetMap", dispatch["request"])
	assert.NotContains(t, dispatch, "error")
}

func TestStdoutLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &StdoutLogger{Out: &buf}
	MultiLogger{l, l}.Log(sampleInfo("abc"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"request_id":"abc"`)
}

func countLines(t *testing.T, dir string) int {
	t.Helper()
	files, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, fi := range files {
		f, err := os.Open(filepath.Join(dir, fi.Name()))
		require.NoError(t, err)
		s := bufio.NewScanner(f)
		for s.Scan() {
			n++
		}
		f.Close()
	}
	return n
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLogger(dir, 0, 0, false)
	for i := 0; i < 10; i++ {
		l.Log(sampleInfo("abc"))
	}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Equal(t, 10, countLines(t, dir))

	// dropped once closed
	l.Log(sampleInfo("late"))
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	l := &FileLogger{LogDir: dir, MaxLogFileSize: 1, MaxLogFiles: 2}

	f, err := l.openLogFile(0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.WriteString("line\n")
		require.NoError(t, err)
		f, err = l.tryRotateLogFile(f, 0)
		require.NoError(t, err)
	}
	f.Close()

	files, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, fi := range files {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"log0", "log0.0", "log0.1"}, names)
	assert.Equal(t, 2, countLines(t, dir))
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

type fakeDB struct {
	mu      sync.Mutex
	queries []string
	args    [][]interface{}
}

func (db *fakeDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queries = append(db.queries, query)
	db.args = append(db.args, args)
	return fakeResult{}, nil
}

func TestPostgresLogger(t *testing.T) {
	db := &fakeDB{}
	l, err := newPostgresLogger(db, "")
	require.NoError(t, err)

	l.Log(sampleInfo("abc"))
	require.NoError(t, l.Close())
	l.Log(sampleInfo("late"))

	require.Len(t, db.queries, 2)
	assert.Contains(t, db.queries[0], `CREATE TABLE IF NOT EXISTS "owsd_requests"`)
	assert.Contains(t, db.queries[1], `INSERT INTO "owsd_requests"`)

	args := db.args[1]
	require.Len(t, args, 7)
	assert.Equal(t, "abc", args[0])
	assert.Equal(t, "WMS", args[2])
	assert.Equal(t, "GetMap", args[3])
	assert.Equal(t, 200, args[4])
	assert.Equal(t, 1500.0, args[5])
	assert.Contains(t, args[6], `"request_id":"abc"`)
}
