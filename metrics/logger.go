package metrics

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "metrics")

type Logger interface {
	Log(info *MetricsInfo)
}

// StdoutLogger writes one JSON document per call. Out defaults to
// os.Stdout.
type StdoutLogger struct {
	Out io.Writer
	mu  sync.Mutex
}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{Out: os.Stdout}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err != nil {
		log.Errorf("StdoutLogger: error: %v", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.Out, infoStr); err != nil {
		log.Errorf("StdoutLogger: write error: %v", err)
	}
}

// MultiLogger fans metrics out to several loggers.
type MultiLogger []Logger

func (m MultiLogger) Log(info *MetricsInfo) {
	for _, l := range m {
		l.Log(info)
	}
}

const defaultQueueSize = 2000
const defaultLogWriters = 2
const defaultMaxLogFileSize = 1024 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger writes metrics from a queue into rotated files named
// log<writer> and log<writer>.<n> under LogDir.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, verbose bool) *FileLogger {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
	}

	for i := 0; i < defaultLogWriters; i++ {
		logger.wg.Add(1)
		go logger.startLogWriter(i)
	}

	return logger
}

// Log queues info. Metrics are dropped once the logger is closed.
func (l *FileLogger) Log(info *MetricsInfo) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.MetricsQueue <- info
}

// Close drains the queue and waits for the writers to finish.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.MetricsQueue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *FileLogger) startLogWriter(idx int) {
	defer l.wg.Done()

	f, err := l.openLogFile(idx)
	if err != nil {
		log.Errorf("FileLogger%d: log open error: %v", idx, err)
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Errorf("FileLogger%d: info.ToJSON() error: %v", idx, err)
			continue
		}

		f, err = l.tryRotateLogFile(f, idx)
		if err != nil {
			continue
		}

		if _, err := f.WriteString(infoStr); err != nil {
			log.Errorf("FileLogger%d: write error: %v", idx, err)
			continue
		}
		f.Sync()
	}
}

func (l *FileLogger) logFilePath(idx int) string {
	return path.Join(l.LogDir, fmt.Sprintf("log%d", idx))
}

func (l *FileLogger) openLogFile(idx int) (*os.File, error) {
	return os.OpenFile(l.logFilePath(idx), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File, idx int) (*os.File, error) {
	if currFile == nil {
		f, err := l.openLogFile(idx)
		if err != nil {
			log.Errorf("FileLogger%d: log open error: %v", idx, err)
			return nil, err
		}
		return f, nil
	}

	info, err := currFile.Stat()
	if err != nil {
		log.Errorf("FileLogger%d: log rotation error: %v", idx, err)
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	rotatedLogFilePath, err := l.nextRotatedFile(idx)
	if err != nil {
		log.Errorf("FileLogger%d: log rotation error: %v", idx, err)
		return currFile, nil
	}

	currFile.Close()
	if err := os.Rename(l.logFilePath(idx), rotatedLogFilePath); err != nil {
		log.Errorf("FileLogger%d: log rotation error: %v", idx, err)
	} else if l.Verbose {
		log.Infof("FileLogger%d: log file rotated: %v", idx, rotatedLogFilePath)
	}

	f, err := l.openLogFile(idx)
	if err != nil {
		log.Errorf("FileLogger%d: log rotation error: %v", idx, err)
		return nil, err
	}
	return f, nil
}

// nextRotatedFile returns the first free rotation slot, or frees the
// oldest one when all MaxLogFiles slots are taken.
func (l *FileLogger) nextRotatedFile(idx int) (string, error) {
	for i := 0; i < l.MaxLogFiles; i++ {
		filePath := path.Join(l.LogDir, fmt.Sprintf("log%d.%d", idx, i))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			return filePath, nil
		}
	}

	files, err := ioutil.ReadDir(l.LogDir)
	if err != nil {
		return "", err
	}

	var oldestFile os.FileInfo
	oldestTime := time.Now()
	for _, file := range files {
		if !file.Mode().IsRegular() {
			continue
		}
		fileName := filepath.Base(file.Name())
		if fileName == fmt.Sprintf("log%d", idx) {
			continue
		}
		if strings.TrimSuffix(fileName, path.Ext(fileName)) != fmt.Sprintf("log%d", idx) {
			continue
		}
		if file.ModTime().Before(oldestTime) {
			oldestFile = file
			oldestTime = file.ModTime()
		}
	}

	rotated := path.Join(l.LogDir, fmt.Sprintf("log%d.%d", idx, 0))
	if oldestFile != nil {
		rotated = path.Join(l.LogDir, oldestFile.Name())
	}
	if l.Verbose {
		log.Infof("FileLogger%d: maximum number of log files reached, overwriting %s", idx, rotated)
	}
	if err := os.Remove(rotated); err != nil {
		return "", err
	}
	return rotated, nil
}
