package wire

import (
	"errors"
	"io"
)

// DefaultChunkSize is the read/write unit for payload bytes.
const DefaultChunkSize = 4096

// Stream copies payload bytes from src to dst one chunk at a time. With
// limit >= 0 it stops after exactly limit bytes; a negative limit copies to
// end of stream. A source that runs dry early is not an error: the caller
// compares the returned count with what it expected. onChunk, when set, gets
// the running total after every chunk written.
func Stream(dst io.Writer, src io.Reader, limit int64, chunkSize int, onChunk func(done int64)) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var done int64
	for limit < 0 || done < limit {
		want := int64(len(buf))
		if limit >= 0 && limit-done < want {
			want = limit - done
		}
		n, rerr := src.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return done, werr
			}
			done += int64(n)
			if onChunk != nil {
				onChunk(done)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return done, rerr
		}
	}
	return done, nil
}
