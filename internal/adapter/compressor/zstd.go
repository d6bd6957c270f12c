package compressor

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

type ZstdCompressor struct {
	level zstd.EncoderLevel
}

func NewZstd() *ZstdCompressor {
	return &ZstdCompressor{level: zstd.SpeedBetterCompression}
}

func (z *ZstdCompressor) Name() string      { return Zstd }
func (z *ZstdCompressor) Extension() string { return ".zst" }

func (z *ZstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(z.level))
}

func (z *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func (z *ZstdCompressor) Compress(sourcePath, destPath string) error {
	return compressFile(z, Zstd, sourcePath, destPath)
}

func (z *ZstdCompressor) Decompress(sourcePath, destPath string) error {
	return decompressFile(z, Zstd, sourcePath, destPath)
}
