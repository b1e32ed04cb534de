package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileChannel appends messages to a JSONL file. Used in dev setups and as
// a local fallback record of what was sent.
type FileChannel struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewFileChannel(path string) (*FileChannel, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &FileChannel{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

func (c *FileChannel) Name() string { return "file_jsonl:" + c.path }

func (c *FileChannel) Deliver(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (c *FileChannel) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer != nil {
		_ = c.writer.Flush()
	}
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
