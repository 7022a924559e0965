// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logging configures the shared logrus instance: custom formatting
// with caller locations, optional rotating-file output, and Gin's writers
// bridged into the same stream.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Formatter renders log entries as
// [2026-08-30 20:14:04] [info ] [orchestrator.go:124] message | key=value
type Formatter struct{}

// Format renders a single log entry.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var formatted string
	if entry.Caller != nil {
		formatted = fmt.Sprintf("[%s] [%s] [%s:%d] %s", timestamp, levelStr,
			filepath.Base(entry.Caller.File), entry.Caller.Line, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s", timestamp, levelStr, message)
	}

	if len(entry.Data) > 0 {
		first := true
		formatted += " |"
		for k, v := range entry.Data {
			if !first {
				formatted += ","
			}
			formatted += fmt.Sprintf(" %s=%v", k, v)
			first = false
		}
	}
	formatted += "\n"

	buffer.WriteString(formatted)
	return buffer.Bytes(), nil
}

// Setup configures the shared logrus instance and Gin writers. It is safe
// to call multiple times; initialization happens only once.
func Setup() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})

		gin.DefaultWriter = log.StandardLogger().Writer()
		gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			format = strings.TrimRight(format, "\r\n")
			log.StandardLogger().Infof(format, values...)
		}
	})
}

// ConfigureOutput switches the global log destination between a rotating
// file under logDir and stdout.
func ConfigureOutput(toFile bool, logDir string) error {
	Setup()

	writerMu.Lock()
	defer writerMu.Unlock()

	if !toFile {
		log.SetOutput(os.Stdout)
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		return nil
	}

	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "biasrouter.log"),
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(logWriter)
	return nil
}
