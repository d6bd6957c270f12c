package compressor

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor trades ratio for speed; useful for very large dumps.
type LZ4Compressor struct {
	level lz4.CompressionLevel
}

func NewLZ4() *LZ4Compressor {
	return &LZ4Compressor{level: lz4.Fast}
}

func (l *LZ4Compressor) Name() string      { return LZ4 }
func (l *LZ4Compressor) Extension() string { return ".lz4" }

func (l *LZ4Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)
	if err := writer.Apply(lz4.CompressionLevelOption(l.level)); err != nil {
		return nil, err
	}
	return writer, nil
}

func (l *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (l *LZ4Compressor) Compress(sourcePath, destPath string) error {
	return compressFile(l, LZ4, sourcePath, destPath)
}

func (l *LZ4Compressor) Decompress(sourcePath, destPath string) error {
	return decompressFile(l, LZ4, sourcePath, destPath)
}
