package watcher

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// FileSubscriber tails one JSON-lines file per channel under a root
// directory. The position token is the big-endian count of records already
// consumed, so a resume skips exactly what was committed.
type FileSubscriber struct {
	root         string
	pollInterval time.Duration
	logger       *log.Logger
}

func NewFileSubscriber(root string) *FileSubscriber {
	return &FileSubscriber{
		root:         root,
		pollInterval: time.Second,
		logger:       log.New(log.Writer(), "[Source] ", log.LstdFlags),
	}
}

func (s *FileSubscriber) Subscribe(ctx context.Context, channel ChannelSpec, after []byte) (<-chan SourceRecord, error) {
	path := filepath.Join(s.root, channelFileName(channel.Name))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("channel source %s: %w", path, err)
	}

	start := decodePosition(after)
	out := make(chan SourceRecord)
	go s.tail(ctx, channel.Name, path, start, out)
	return out, nil
}

func (s *FileSubscriber) tail(ctx context.Context, channel, path string, start uint64, out chan<- SourceRecord) {
	defer close(out)

	file, err := os.Open(path)
	if err != nil {
		s.logger.Printf("Open %s failed: %v", path, err)
		return
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var index uint64
	var pending []byte

	for {
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if err == nil {
			line := pending
			pending = nil
			index++
			if index <= start {
				continue
			}

			var rec core.RawRecord
			if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
				s.logger.Printf("Skipping malformed record %d on %s: %v", index, channel, jsonErr)
				continue
			}
			if rec.Channel == "" {
				rec.Channel = channel
			}

			select {
			case out <- SourceRecord{Record: rec, Position: encodePosition(index)}:
			case <-ctx.Done():
				return
			}
			continue
		}

		if err != nil && err != io.EOF {
			s.logger.Printf("Read %s failed: %v", path, err)
			return
		}

		// At EOF, wait for appended lines. A partial line stays pending
		// until its newline arrives.
		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func channelFileName(channel string) string {
	safe := make([]rune, 0, len(channel))
	for _, r := range channel {
		switch r {
		case '/', '\\', ':':
			safe = append(safe, '_')
		default:
			safe = append(safe, r)
		}
	}
	return string(safe) + ".jsonl"
}

func encodePosition(index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return buf
}

func decodePosition(token []byte) uint64 {
	if len(token) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(token)
}
