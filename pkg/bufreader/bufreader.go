// Package bufreader implements the line- and byte-framed reader described
// in spec.md §4.2: ReadLine reads up to and including the next "\n";
// ReadExact reads exactly n bytes or fails. Both block on the underlying
// socket, bounded by a read deadline enforced through pkg/deadline.
package bufreader

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/cachemir/memcachedb/pkg/deadline"
)

// BufSize is the buffer capacity specified in spec.md §4.2.
const BufSize = 16 * 1024

// BufferedReader wraps a socket with line- and byte-framed reads under a
// configurable read deadline.
type BufferedReader struct {
	br          *bufio.Reader
	conn        net.Conn
	readTimeout time.Duration
}

// New wraps conn with a BufSize-capacity buffered reader. readTimeout is
// applied to every blocking read; deadline.None disables it.
func New(conn net.Conn, readTimeout time.Duration) *BufferedReader {
	return &BufferedReader{
		conn:        conn,
		br:          bufio.NewReaderSize(conn, BufSize),
		readTimeout: readTimeout,
	}
}

// ReadLine reads bytes up to and including the next '\n'.
func (b *BufferedReader) ReadLine() ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var line []byte
	err := deadline.Run(b.conn, b.readTimeout, func() error {
		for {
			chunk, isPrefix, rerr := b.br.ReadLine()
			if rerr != nil {
				return rerr
			}
			if _, werr := buf.Write(chunk); werr != nil {
				return werr
			}
			if !isPrefix {
				break
			}
		}
		return nil
	})
	if err != nil {
		if deadline.IsTimeout(err) {
			return nil, fmt.Errorf("bufreader: read timeout: %w", err)
		}
		return nil, err
	}

	line = make([]byte, buf.Len()+2)
	copy(line, buf.Bytes())
	line[len(line)-2] = '\r'
	line[len(line)-1] = '\n'
	return line, nil
}

// ReadExact returns exactly n bytes, or fails.
func (b *BufferedReader) ReadExact(n int) ([]byte, error) {
	out := make([]byte, n)
	err := deadline.Run(b.conn, b.readTimeout, func() error {
		_, rerr := readFull(b.br, out)
		return rerr
	})
	if err != nil {
		if deadline.IsTimeout(err) {
			return nil, fmt.Errorf("bufreader: read timeout: %w", err)
		}
		return nil, err
	}
	return out, nil
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
