// Package archive compresses old blocks and groups them into daily periods.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	domain "github.com/quantumshield/backend/internal/app/domain/archive"
	"github.com/quantumshield/backend/internal/app/domain/chain"
	"github.com/quantumshield/backend/internal/app/events"
	"github.com/quantumshield/backend/internal/app/storage"
	"github.com/quantumshield/backend/pkg/logger"
)

const (
	dayLayout   = "2006-01-02"
	batchSize   = 256
	parallelism = 4
	// ColdAfter switches compression from gzip to zstd.
	ColdAfter = 7 * 24 * time.Hour
)

var (
	ErrChecksumMismatch = errors.New("decompressed block checksum mismatch")
	ErrEmptyPeriod      = errors.New("no compressed blocks for day")
)

// BlockSource reads blocks from the chain.
type BlockSource interface {
	ListBlocks(ctx context.Context, fromHeight uint64, limit int) ([]chain.Block, error)
}

// CompressReport summarises one CompressBlocks run.
type CompressReport struct {
	Compressed int     `json:"compressed"`
	FromHeight *uint64 `json:"from_height,omitempty"`
	ToHeight   *uint64 `json:"to_height,omitempty"`
	Original   int64   `json:"original_bytes"`
	Stored     int64   `json:"compressed_bytes"`
}

// Service compresses and archives blocks.
type Service struct {
	store  storage.ArchiveStore
	blocks BlockSource
	bus    events.Publisher
	log    *logger.Logger
	now    func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu sync.Mutex
}

// New constructs the archive service.
func New(store storage.ArchiveStore, blocks BlockSource, bus events.Publisher, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("archive")
	}
	if bus == nil {
		bus = events.Nop{}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Service{store: store, blocks: blocks, bus: bus, log: log, now: time.Now, enc: enc, dec: dec}, nil
}

// CompressBlocks compresses, in height order, every block older than
// olderThan that follows the last compressed block.
func (s *Service) CompressBlocks(ctx context.Context, olderThan time.Duration) (CompressReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report CompressReport
	var next uint64
	last, err := s.store.LatestCompressedBlock(ctx)
	switch {
	case err == nil:
		next = last.Height + 1
	case !errors.Is(err, storage.ErrNotFound):
		return report, err
	}

	now := s.now().UTC()
	cutoff := now.Add(-olderThan)
	for {
		batch, err := s.blocks.ListBlocks(ctx, next, batchSize)
		if err != nil {
			return report, err
		}
		eligible := batch[:0]
		for _, b := range batch {
			if b.Timestamp.After(cutoff) {
				break
			}
			eligible = append(eligible, b)
		}
		if len(eligible) == 0 {
			break
		}

		out := make([]domain.CompressedBlock, len(eligible))
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(parallelism)
		for i, b := range eligible {
			i, b := i, b
			g.Go(func() error {
				cb, err := s.compress(b, now)
				if err != nil {
					return fmt.Errorf("compress block %d: %w", b.Height, err)
				}
				out[i] = cb
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		for _, cb := range out {
			if _, err := s.store.SaveCompressedBlock(ctx, cb); err != nil {
				return report, err
			}
			h := cb.Height
			if report.FromHeight == nil {
				report.FromHeight = &h
			}
			report.ToHeight = &h
			report.Compressed++
			report.Original += int64(cb.OriginalSize)
			report.Stored += int64(cb.CompressedSize)
		}
		next = eligible[len(eligible)-1].Height + 1
		if len(eligible) < len(batch) || len(batch) < batchSize {
			break
		}
	}

	if report.Compressed > 0 {
		s.publish(ctx, "archive.compressed", report)
		s.log.WithField("blocks", report.Compressed).WithField("to_height", *report.ToHeight).Info("blocks compressed")
	}
	return report, nil
}

func (s *Service) compress(b chain.Block, now time.Time) (domain.CompressedBlock, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return domain.CompressedBlock{}, err
	}
	algorithm := domain.AlgorithmGzip
	if now.Sub(b.Timestamp) >= ColdAfter {
		algorithm = domain.AlgorithmZstd
	}
	var data []byte
	switch algorithm {
	case domain.AlgorithmZstd:
		data = s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	default:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return domain.CompressedBlock{}, err
		}
		if _, err := zw.Write(raw); err != nil {
			return domain.CompressedBlock{}, err
		}
		if err := zw.Close(); err != nil {
			return domain.CompressedBlock{}, err
		}
		data = buf.Bytes()
	}
	sum := sha256.Sum256(raw)
	ratio := 0.0
	if len(data) > 0 {
		ratio = float64(len(raw)) / float64(len(data))
	}
	ts := b.Timestamp.UTC()
	return domain.CompressedBlock{
		Height:         b.Height,
		Transactions:   len(b.Transactions),
		Algorithm:      algorithm,
		OriginalSize:   len(raw),
		CompressedSize: len(data),
		Ratio:          ratio,
		Checksum:       hex.EncodeToString(sum[:]),
		Data:           data,
		BlockTime:      ts,
		Day:            ts.Format(dayLayout),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Decompress restores a compressed block and checks its checksum.
func (s *Service) Decompress(ctx context.Context, height uint64) (chain.Block, error) {
	cb, err := s.store.GetCompressedBlock(ctx, height)
	if err != nil {
		return chain.Block{}, err
	}
	var raw []byte
	switch cb.Algorithm {
	case domain.AlgorithmZstd:
		raw, err = s.dec.DecodeAll(cb.Data, nil)
	case domain.AlgorithmGzip:
		var zr *gzip.Reader
		zr, err = gzip.NewReader(bytes.NewReader(cb.Data))
		if err == nil {
			raw, err = io.ReadAll(zr)
			zr.Close()
		}
	default:
		return chain.Block{}, fmt.Errorf("unknown compression algorithm %q", cb.Algorithm)
	}
	if err != nil {
		return chain.Block{}, fmt.Errorf("decompress block %d: %w", height, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != cb.Checksum {
		return chain.Block{}, ErrChecksumMismatch
	}
	var b chain.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return chain.Block{}, fmt.Errorf("decode block %d: %w", height, err)
	}
	return b, nil
}

// ArchivePeriod groups one UTC day of compressed blocks. Archiving a day
// again folds in blocks compressed since the period was created and
// otherwise returns the existing period.
func (s *Service) ArchivePeriod(ctx context.Context, day string) (domain.Period, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return domain.Period{}, fmt.Errorf("day must be formatted YYYY-MM-DD")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetPeriod(ctx, day)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.Period{}, err
	}

	blocks, err := s.store.ListCompressedBlocks(ctx, day)
	if err != nil {
		return domain.Period{}, err
	}
	pending := make([]domain.CompressedBlock, 0, len(blocks))
	for _, b := range blocks {
		if !b.Archived {
			pending = append(pending, b)
		}
	}
	if exists && len(pending) == 0 {
		return existing, nil
	}
	if len(blocks) == 0 {
		return domain.Period{}, fmt.Errorf("%w %s", ErrEmptyPeriod, day)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })

	now := s.now().UTC()
	p := domain.Period{
		Day:        day,
		FromHeight: blocks[0].Height,
		ToHeight:   blocks[len(blocks)-1].Height,
		Blocks:     len(blocks),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, b := range blocks {
		p.Transactions += b.Transactions
		p.TotalOriginalSize += int64(b.OriginalSize)
		p.TotalCompressedSize += int64(b.CompressedSize)
	}
	if exists {
		p.CreatedAt = existing.CreatedAt
		p, err = s.store.UpdatePeriod(ctx, p)
	} else {
		p, err = s.store.CreatePeriod(ctx, p)
	}
	if err != nil {
		return domain.Period{}, err
	}
	for _, b := range pending {
		b.Archived = true
		b.UpdatedAt = now
		if _, err := s.store.SaveCompressedBlock(ctx, b); err != nil {
			return domain.Period{}, err
		}
	}
	s.publish(ctx, "archive.period", p)
	s.log.WithField("day", day).WithField("blocks", p.Blocks).WithField("added", len(pending)).Info("period archived")
	return p, nil
}

// ArchiveDue archives every completed day that has unarchived compressed
// blocks.
func (s *Service) ArchiveDue(ctx context.Context, now time.Time) ([]domain.Period, error) {
	all, err := s.store.ListCompressedBlocks(ctx, "")
	if err != nil {
		return nil, err
	}
	today := now.UTC().Format(dayLayout)
	days := map[string]struct{}{}
	for _, b := range all {
		if !b.Archived && b.Day < today {
			days[b.Day] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Strings(ordered)

	var out []domain.Period
	for _, d := range ordered {
		p, err := s.ArchivePeriod(ctx, d)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Periods lists archived periods.
func (s *Service) Periods(ctx context.Context) ([]domain.Period, error) {
	return s.store.ListPeriods(ctx)
}

// Stats summarises compression across all stored blocks.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	blocks, err := s.store.ListCompressedBlocks(ctx, "")
	if err != nil {
		return domain.Stats{}, err
	}
	periods, err := s.store.ListPeriods(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	stats := domain.Stats{CompressedBlocks: len(blocks), Periods: len(periods), ByAlgorithm: map[string]int{}}
	var ratios float64
	for _, b := range blocks {
		stats.TotalOriginalSize += int64(b.OriginalSize)
		stats.TotalCompressedSize += int64(b.CompressedSize)
		stats.ByAlgorithm[b.Algorithm]++
		ratios += b.Ratio
	}
	if len(blocks) > 0 {
		stats.AverageRatio = ratios / float64(len(blocks))
	}
	return stats, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("publish archive event")
	}
}
