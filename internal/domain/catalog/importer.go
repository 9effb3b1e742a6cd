// Package catalog loads reference data (the medication catalog and the
// provider directory) used for autocomplete.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/domain/medication"
	"github.com/healthpod/portal/internal/domain/provider"
)

const (
	KindMedications = "medications"
	KindProviders   = "providers"
)

// DefaultBatchSize is the number of entries written per database round trip.
const DefaultBatchSize = 500

var (
	ErrUnknownKind = errors.New("kind must be medications or providers")
	ErrMalformed   = errors.New("malformed catalog")
)

type MedicationImporter interface {
	ImportCatalog(ctx context.Context, entries []*medication.CatalogEntry) (int, error)
}

type DirectoryImporter interface {
	ImportDirectory(ctx context.Context, entries []*provider.DirectoryEntry) (int, error)
}

// Result summarises one import.
type Result struct {
	Kind     string `json:"kind"`
	Read     int    `json:"read"`
	Imported int    `json:"imported"`
	Batches  int    `json:"batches"`
}

type Importer struct {
	medications MedicationImporter
	directory   DirectoryImporter
	batchSize   int
	logger      zerolog.Logger
}

func NewImporter(meds MedicationImporter, dir DirectoryImporter, batchSize int, logger zerolog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Importer{medications: meds, directory: dir, batchSize: batchSize, logger: logger}
}

// ImportFile imports a JSON file of the given kind.
func (im *Importer) ImportFile(ctx context.Context, kind, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return im.Import(ctx, kind, f)
}

// Import reads either a JSON array or newline-delimited JSON objects from r
// and writes them in batches. Batches already written stay written when a
// later one fails.
func (im *Importer) Import(ctx context.Context, kind string, r io.Reader) (*Result, error) {
	switch kind {
	case KindMedications:
		return importEntries(ctx, im, kind, r, im.medications.ImportCatalog)
	case KindProviders:
		return importEntries(ctx, im, kind, r, im.directory.ImportDirectory)
	default:
		return nil, ErrUnknownKind
	}
}

func importEntries[T any](ctx context.Context, im *Importer, kind string, r io.Reader,
	write func(ctx context.Context, entries []*T) (int, error)) (*Result, error) {
	res := &Result{Kind: kind}
	batch := make([]*T, 0, im.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := write(ctx, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Imported += n
		im.logger.Debug().Str("kind", kind).Int("batch", res.Batches).Int("entries", n).Msg("catalog batch imported")
		batch = batch[:0]
		return nil
	}

	err := decodeEach(r, func(raw json.RawMessage) error {
		var e T
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrMalformed, res.Read+1, err)
		}
		res.Read++
		batch = append(batch, &e)
		if len(batch) == im.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return res, err
	}
	im.logger.Info().Str("kind", kind).Int("read", res.Read).Int("imported", res.Imported).Msg("catalog import finished")
	return res, nil
}

// decodeEach calls fn for every object of a JSON array or NDJSON stream.
func decodeEach(r io.Reader, fn func(json.RawMessage) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(br)
	array := first == '['
	if array {
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	if array {
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
