package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/parquet/compress"
)

// compressionCodecs maps accepted codec names to Parquet codecs.
// "raw" and "none" are aliases kept for scripts written against older releases.
var compressionCodecs = map[string]compress.Compression{
	"uncompressed": compress.Codecs.Uncompressed,
	"raw":          compress.Codecs.Uncompressed,
	"none":         compress.Codecs.Uncompressed,
	"snappy":       compress.Codecs.Snappy,
	"lzo":          compress.Codecs.Lzo,
	"lz4":          compress.Codecs.Lz4Raw,
	"gzip":         compress.Codecs.Gzip,
	"zstd":         compress.Codecs.Zstd,
}

// ParseCompression converts a codec name to a Parquet codec. An empty name
// selects uncompressed output.
func ParseCompression(name string) (compress.Compression, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return compress.Codecs.Uncompressed, nil
	}

	codec, ok := compressionCodecs[key]
	if !ok {
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression: %s (supported: %s)", name, strings.Join(CompressionNames(), ", "))
	}
	return codec, nil
}

// CompressionNames returns the accepted codec names in sorted order
func CompressionNames() []string {
	names := make([]string, 0, len(compressionCodecs))
	for name := range compressionCodecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkCodecAvailable fails for codecs the Parquet library has no encoder for (LZO)
func checkCodecAvailable(codec compress.Compression) error {
	if codec == compress.Codecs.Uncompressed {
		return nil
	}
	if _, err := compress.GetCodec(codec); err != nil {
		return fmt.Errorf("compression codec not available for writing: %w", err)
	}
	return nil
}
