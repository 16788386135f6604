package archive

import "time"

// Compression algorithms.
const (
	AlgorithmGzip = "gzip"
	AlgorithmZstd = "zstd"
)

// CompressedBlock is the compressed JSON encoding of one block. ID matches
// the block id.
type CompressedBlock struct {
	ID             string    `json:"id"`
	Height         uint64    `json:"height"`
	Transactions   int       `json:"transactions"`
	Algorithm      string    `json:"algorithm"`
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size"`
	Ratio          float64   `json:"ratio"`
	Checksum       string    `json:"checksum"`
	Data           []byte    `json:"data"`
	BlockTime      time.Time `json:"block_time"`
	Day            string    `json:"day"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Period groups one UTC day of compressed blocks. ID is the day (YYYY-MM-DD).
type Period struct {
	ID                  string    `json:"id"`
	Day                 string    `json:"day"`
	FromHeight          uint64    `json:"from_height"`
	ToHeight            uint64    `json:"to_height"`
	Blocks              int       `json:"blocks"`
	Transactions        int       `json:"transactions"`
	TotalOriginalSize   int64     `json:"total_original_size"`
	TotalCompressedSize int64     `json:"total_compressed_size"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Stats summarises compression results.
type Stats struct {
	CompressedBlocks    int            `json:"compressed_blocks"`
	Periods             int            `json:"periods"`
	TotalOriginalSize   int64          `json:"total_original_size"`
	TotalCompressedSize int64          `json:"total_compressed_size"`
	AverageRatio        float64        `json:"average_ratio"`
	ByAlgorithm         map[string]int `json:"by_algorithm"`
}
