// Copyright 2024 The StratoFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package log

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"
	"time"
)

type Level uint8

const (
	DebugLevel Level = 1
	InfoLevel        = DebugLevel<<1 + 1
	WarnLevel        = InfoLevel<<1 + 1
	ErrorLevel       = WarnLevel<<1 + 1
	FatalLevel       = ErrorLevel<<1 + 1
)

const (
	FileOpt              = os.O_RDWR | os.O_CREATE | os.O_APPEND
	WriterBufferInitSize = 1024 * 1024
	FlushInterval        = 1 * time.Second
)

var levelPrefixes = []string{
	"[DEBUG]",
	"[INFO.]",
	"[WARN.]",
	"[ERROR]",
	"[FATAL]",
}

// asyncWriter buffers log output and flushes it to the backing file
// once a second or on demand.
type asyncWriter struct {
	file   *os.File
	buffer *bytes.Buffer
	flushC chan bool
	closed bool
	mu     sync.Mutex
}

func (writer *asyncWriter) flushScheduler() {
	ticker := time.NewTicker(FlushInterval)
	for {
		select {
		case <-ticker.C:
			writer.flushToFile()
		case _, open := <-writer.flushC:
			if !open {
				ticker.Stop()
				return
			}
			writer.flushToFile()
		}
	}
}

func (writer *asyncWriter) Write(p []byte) (n int, err error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	return writer.buffer.Write(p)
}

func (writer *asyncWriter) Close() (err error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.closed {
		return
	}
	close(writer.flushC)
	writer.file.Close()
	writer.closed = true
	return
}

func (writer *asyncWriter) Flush() {
	writer.flushToFile()
}

func (writer *asyncWriter) flushToFile() {
	writer.mu.Lock()
	data := writer.buffer.Bytes()
	writer.buffer.Reset()
	writer.mu.Unlock()
	writer.file.Write(data)
	writer.file.Sync()
}

func newAsyncWriter(out *os.File) *asyncWriter {
	w := &asyncWriter{
		file:   out,
		buffer: bytes.NewBuffer(make([]byte, 0, WriterBufferInitSize)),
		flushC: make(chan bool, 1),
	}
	go w.flushScheduler()
	return w
}

type Log struct {
	dir         string
	module      string
	errorLogger *log.Logger
	warnLogger  *log.Logger
	debugLogger *log.Logger
	infoLogger  *log.Logger
	writers     []*asyncWriter
	level       Level
	startTime   time.Time
}

var (
	ErrLogFileName   = "_error.log"
	WarnLogFileName  = "_warn.log"
	InfoLogFileName  = "_info.log"
	DebugLogFileName = "_debug.log"
)

var gLog *Log = nil

// NewLog initializes the process-wide logger. Before it is called,
// all Log* functions are no-ops.
func NewLog(dir, module string, level Level) (*Log, error) {
	l := new(Log)
	l.dir = dir
	l.module = module
	fi, err := os.Stat(dir)
	if err != nil {
		os.MkdirAll(dir, 0o755)
	} else if !fi.IsDir() {
		return nil, errors.New(dir + " is not a directory")
	}

	if err = l.initLog(dir, module, level); err != nil {
		return nil, err
	}
	l.startTime = time.Now()
	gLog = l
	return l, nil
}

func (l *Log) initLog(logDir, module string, level Level) error {
	logOpt := log.LstdFlags | log.Lmicroseconds

	getNewLog := func(logFileName string) (*log.Logger, error) {
		fp, err := os.OpenFile(path.Join(logDir, module+logFileName), FileOpt, 0o666)
		if err != nil {
			return nil, err
		}
		w := newAsyncWriter(fp)
		l.writers = append(l.writers, w)
		return log.New(w, "", logOpt), nil
	}
	logHandles := [...]**log.Logger{&l.debugLogger, &l.infoLogger, &l.warnLogger, &l.errorLogger}
	logNames := [...]string{DebugLogFileName, InfoLogFileName, WarnLogFileName, ErrLogFileName}
	for i := range logHandles {
		logger, err := getNewLog(logNames[i])
		if err != nil {
			return err
		}
		*logHandles[i] = logger
	}
	l.level = level
	return nil
}

func (l *Log) SetPrefix(s, level string) string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		line = 0
	}
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return level + " " + short + ":" + strconv.Itoa(line) + ": " + s
}

func (l *Log) Flush() {
	for _, w := range l.writers {
		w.Flush()
	}
}

func (l *Log) Close() {
	for _, w := range l.writers {
		w.Close()
	}
}

// LogFlush flushes buffered output of the process-wide logger.
func LogFlush() {
	if gLog != nil {
		gLog.Flush()
	}
}

func SetLogLevel(level Level) {
	if gLog != nil {
		gLog.level = level
	}
}

func LogWarn(v ...interface{}) {
	if gLog == nil {
		return
	}
	if WarnLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintln(v...)
	s = gLog.SetPrefix(s, levelPrefixes[2])
	gLog.warnLogger.Output(2, s)
}

func LogWarnf(format string, v ...interface{}) {
	if gLog == nil {
		return
	}
	if WarnLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintf(format, v...)
	s = gLog.SetPrefix(s, levelPrefixes[2])
	gLog.warnLogger.Output(2, s)
}

func LogInfo(v ...interface{}) {
	if gLog == nil {
		return
	}
	if InfoLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintln(v...)
	s = gLog.SetPrefix(s, levelPrefixes[1])
	gLog.infoLogger.Output(2, s)
}

func LogInfof(format string, v ...interface{}) {
	if gLog == nil {
		return
	}
	if InfoLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintf(format, v...)
	s = gLog.SetPrefix(s, levelPrefixes[1])
	gLog.infoLogger.Output(2, s)
}

func LogError(v ...interface{}) {
	if gLog == nil {
		return
	}
	if ErrorLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintln(v...)
	s = gLog.SetPrefix(s, levelPrefixes[3])
	gLog.errorLogger.Output(2, s)
}

func LogErrorf(format string, v ...interface{}) {
	if gLog == nil {
		return
	}
	if ErrorLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintf(format, v...)
	s = gLog.SetPrefix(s, levelPrefixes[3])
	gLog.errorLogger.Output(2, s)
}

func LogDebug(v ...interface{}) {
	if gLog == nil {
		return
	}
	if DebugLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintln(v...)
	s = gLog.SetPrefix(s, levelPrefixes[0])
	gLog.debugLogger.Output(2, s)
}

func LogDebugf(format string, v ...interface{}) {
	if gLog == nil {
		return
	}
	if DebugLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintf(format, v...)
	s = gLog.SetPrefix(s, levelPrefixes[0])
	gLog.debugLogger.Output(2, s)
}

func LogFatalf(format string, v ...interface{}) {
	if gLog == nil {
		return
	}
	if FatalLevel&gLog.level != gLog.level {
		return
	}
	s := fmt.Sprintf(format, v...)
	s = gLog.SetPrefix(s, levelPrefixes[4])
	gLog.errorLogger.Output(2, s)
	gLog.Flush()
	os.Exit(1)
}
