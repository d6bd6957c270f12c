package compressor

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

type GzipCompressor struct {
	level int
}

func NewGzip() *GzipCompressor {
	return &GzipCompressor{level: gzip.BestCompression}
}

func (g *GzipCompressor) Name() string      { return Gzip }
func (g *GzipCompressor) Extension() string { return ".gz" }

func (g *GzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, g.level)
}

func (g *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (g *GzipCompressor) Compress(sourcePath, destPath string) error {
	return compressFile(g, Gzip, sourcePath, destPath)
}

func (g *GzipCompressor) Decompress(sourcePath, destPath string) error {
	return decompressFile(g, Gzip, sourcePath, destPath)
}
