package applog

import (
	"errors"
	"io"
	"os"
	"time"
)

const maxLogChunkBytes int64 = 512 * 1024

// LogSnapshot 一段日志文件内容（按字节偏移增量读取）
type LogSnapshot struct {
	Path      string `json:"path,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`

	From int64  `json:"from"`
	To   int64  `json:"to"`
	End  int64  `json:"end"`
	Lost bool   `json:"lost"`
	Text string `json:"text"`

	Error string `json:"error,omitempty"`
}

// Since 返回 path 从偏移 since 开始的内容。
// 文件被轮转（变短）时从头读取并标记 Lost。
func Since(path string, since int64, startedAt time.Time) LogSnapshot {
	snap := LogSnapshot{Path: path}
	if !startedAt.IsZero() {
		snap.StartedAt = startedAt.Format(time.RFC3339Nano)
	}
	if path == "" {
		return snap
	}

	chunk, err := readChunk(path, since, maxLogChunkBytes)
	snap.From, snap.To, snap.End, snap.Lost, snap.Text = chunk.from, chunk.to, chunk.end, chunk.lost, chunk.text
	if err != nil {
		snap.Error = err.Error()
	}
	return snap
}

type logChunk struct {
	from, to, end int64
	lost          bool
	text          string
}

func readChunk(path string, since, maxBytes int64) (logChunk, error) {
	if maxBytes <= 0 {
		return logChunk{}, errors.New("maxBytes must be > 0")
	}
	if since < 0 {
		since = 0
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return logChunk{}, nil
		}
		return logChunk{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return logChunk{}, err
	}
	c := logChunk{from: since, end: st.Size()}
	if c.from > c.end {
		c.from = 0
		c.lost = true
	}
	c.to = c.from
	if c.end-c.from <= 0 {
		return c, nil
	}
	if _, err := f.Seek(c.from, io.SeekStart); err != nil {
		return logChunk{}, err
	}
	data, err := io.ReadAll(io.LimitReader(f, min(c.end-c.from, maxBytes)))
	if err != nil {
		return logChunk{}, err
	}
	c.to = c.from + int64(len(data))
	c.text = string(data)
	return c, nil
}
