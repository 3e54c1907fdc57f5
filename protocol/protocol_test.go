package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out data in the given chunk sizes, one per Read.
type chunkReader struct {
	data   []byte
	chunks []int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := len(c.data)
	if len(c.chunks) > 0 {
		n = c.chunks[0]
		c.chunks = c.chunks[1:]
		if n > len(c.data) {
			n = len(c.data)
		}
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

var docs = []string{
	`{"jsonrpc":"2.0","id":1,"method":"getmanifest","params":{}}`,
	`{"jsonrpc":"2.0","method":"log","params":{"level":"info","message":"héllo \"world\"\n"}}`,
	`{"jsonrpc":"2.0","id":"pluginate:init#2","result":{"nested":[1,2,{"a":"}"}]}}`,
	`[1,2,3]`,
}

func joined() []byte {
	var buf bytes.Buffer
	for _, d := range docs {
		buf.WriteString(d)
		buf.WriteString(Delimiter)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, r *Reader) []string {
	t.Helper()
	var out []string
	for {
		doc, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(doc))
	}
}

func TestReaderSplitAnywhere(t *testing.T) {
	data := joined()
	// Every single split point, plus the one-byte-at-a-time extreme.
	for i := 0; i <= len(data); i++ {
		r := NewReader(&chunkReader{data: append([]byte(nil), data...), chunks: []int{i}})
		assert.Equal(t, docs, readAll(t, r), "split at %d", i)
	}
	r := NewReader(iotest.OneByteReader(bytes.NewReader(data)))
	assert.Equal(t, docs, readAll(t, r))
}

func TestReaderRandomishChunks(t *testing.T) {
	data := joined()
	sizes := [][]int{{3, 7, 1, 50, 2}, {120, 1, 1, 1}, {len(data)}, {17, 17, 17, 17, 17, 17, 17, 17, 17, 17}}
	for _, s := range sizes {
		r := NewReader(&chunkReader{data: append([]byte(nil), data...), chunks: append([]int(nil), s...)})
		assert.Equal(t, docs, readAll(t, r))
	}
}

func TestReaderCoalescedWrite(t *testing.T) {
	// Two documents delivered by one underlying read.
	stream := `{"id":1,"result":5}` + Delimiter + `{"id":2,"result":6}` + Delimiter
	r := NewReader(strings.NewReader(stream))

	first, err := r.Next()
	require.NoError(t, err)
	second, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)

	assert.JSONEq(t, `{"id":1,"result":5}`, string(first))
	assert.JSONEq(t, `{"id":2,"result":6}`, string(second))
}

func TestReaderTruncatedStream(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":1,"res`))
	_, err := r.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderMalformedIsSticky(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":1}` + Delimiter + `{"id":]` + Delimiter + `{"id":3}` + Delimiter))

	doc, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(doc))

	_, err = r.Next()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)

	_, again := r.Next()
	assert.Same(t, err, again)
}

func TestReaderMaxFrame(t *testing.T) {
	r := NewReader(iotest.OneByteReader(strings.NewReader(`{"k":"` + strings.Repeat("x", 64) + `"}`)))
	r.SetMaxFrame(16)
	_, err := r.Next()

	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestReaderScalarWaitsForDelimiter(t *testing.T) {
	r := NewReader(&chunkReader{data: []byte("12" + "3" + Delimiter), chunks: []int{2, 1, 2}})
	doc, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "123", string(doc))
}

func TestWriterFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(map[string]any{"method": "log", "params": []any{"<b>ünïcode</b>"}}))
	out := buf.String()

	assert.True(t, strings.HasSuffix(out, "}"+Delimiter), "frame must end with the delimiter: %q", out)
	assert.Contains(t, out, "<b>ünïcode</b>", "no HTML or ASCII escaping")

	doc, err := NewReader(&buf).Next()
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(doc, &back))
	assert.Equal(t, "log", back["method"])
}

func TestWriterConcurrentFramesDoNotInterleave(t *testing.T) {
	pr, pw := io.Pipe()
	w := NewWriter(pw)

	const writers, each = 8, 50
	go func() {
		done := make(chan struct{})
		for i := 0; i < writers; i++ {
			go func(n int) {
				for j := 0; j < each; j++ {
					_ = w.Write(map[string]int{"writer": n, "seq": j})
				}
				done <- struct{}{}
			}(i)
		}
		for i := 0; i < writers; i++ {
			<-done
		}
		pw.Close()
	}()

	r := NewReader(pr)
	seen := readAll(t, r)
	assert.Len(t, seen, writers*each)
	for _, d := range seen {
		assert.True(t, json.Valid([]byte(d)))
	}
}
