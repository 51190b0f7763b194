package encoding

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

// persistentDeflate is the server-side counterpart of persistentInflate:
// one zlib.Writer whose window spans every Flush() across the whole
// connection's lifetime, as ZRLE and ZlibHex's single-stream schemes
// require.
type persistentDeflate struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func newPersistentDeflate() *persistentDeflate {
	d := &persistentDeflate{}
	d.zw, _ = zlib.NewWriterLevel(&d.buf, zlib.DefaultCompression)
	return d
}

func (d *persistentDeflate) deflate(data []byte) ([]byte, error) {
	if _, err := d.zw.Write(data); err != nil {
		return nil, rfberr.New(rfberr.Codec, "persistentDeflate.deflate", "deflate write failed", err)
	}
	if err := d.zw.Flush(); err != nil {
		return nil, rfberr.New(rfberr.Codec, "persistentDeflate.deflate", "deflate flush failed", err)
	}
	out := append([]byte(nil), d.buf.Bytes()...)
	d.buf.Reset()
	return out, nil
}

func (d *persistentDeflate) Reset() {
	d.buf.Reset()
	d.zw, _ = zlib.NewWriterLevel(&d.buf, zlib.DefaultCompression)
}

func (d *persistentDeflate) Close() error {
	if d.zw == nil {
		return nil
	}
	return d.zw.Close()
}

// persistentInflate is the client-side mirror of the server's
// persistent zlib.Writer: a single long-lived inflate state spanning
// every rectangle sent on one Zlib/Tight/ZRLE stream, fed one
// sync-flush-aligned chunk at a time. Go's compress/zlib.Reader wants
// a single io.Reader for its whole lifetime, so chunks are funnelled
// through an io.Pipe whose writer side unblocks exactly as the reader
// consumes each flush-aligned chunk.
type persistentInflate struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	zr io.ReadCloser
}

func newPersistentInflate() *persistentInflate {
	pr, pw := io.Pipe()
	return &persistentInflate{pr: pr, pw: pw}
}

// InflateChunk feeds one flush-aligned compressed chunk and returns
// exactly wantBytes of inflated output (the byte count the caller
// already knows it needs from the rectangle's pixel geometry).
func (p *persistentInflate) InflateChunk(compressed []byte, wantBytes int) ([]byte, error) {
	errCh := make(chan error, 1)
	go func() {
		_, err := p.pw.Write(compressed)
		errCh <- err
	}()

	if p.zr == nil {
		zr, err := zlib.NewReader(p.pr)
		if err != nil {
			return nil, err
		}
		p.zr = zr
	}

	out := make([]byte, wantBytes)
	if _, err := io.ReadFull(p.zr, out); err != nil {
		return nil, err
	}
	select {
	case err := <-errCh:
		if err != nil {
			return out, err
		}
	default:
	}
	return out, nil
}

func (p *persistentInflate) Close() error {
	_ = p.pw.Close()
	if p.zr != nil {
		return p.zr.Close()
	}
	return nil
}
