package results

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/arcadia-bio/arcadia-go/internal/domain"
)

// Output names produced by the pipeline stages.
const (
	OutputHostFilterStats = "host_filter_stats"
	OutputTaxonCounts     = "taxon_counts"
	OutputReport          = "report"
	OutputConsensusGenome = "consensus_genome"
	OutputTreeNewick      = "tree_newick"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// maxOutputBytes bounds what one artifact may put in the primary store.
const maxOutputBytes = 64 << 20

// DefaultLoadFuncs is the static output-to-loader mapping. Every output lands
// in run_outputs with an integrity checksum; nothing is dispatched by name at
// runtime.
func DefaultLoadFuncs(db DB) map[string]LoadFunc {
	persist := persistOutput(db)
	return map[string]LoadFunc{
		OutputHostFilterStats: persist,
		OutputTaxonCounts:     persist,
		OutputReport:          persist,
		OutputConsensusGenome: persist,
		OutputTreeNewick:      persist,
	}
}

// DefaultStageOutputs maps a completed stage to the outputs it produces.
func DefaultStageOutputs() map[string][]string {
	return map[string][]string{
		"host_filtering": {OutputHostFilterStats},
		"alignment":      {OutputTaxonCounts},
		"postprocess":    {OutputReport},
		"consensus":      {OutputConsensusGenome},
		"tree_build":     {OutputTreeNewick},
	}
}

func persistOutput(db DB) LoadFunc {
	return func(ctx context.Context, run domain.Run, output string, body io.Reader) error {
		if db == nil {
			return errors.New("db is required")
		}
		payload, err := io.ReadAll(io.LimitReader(body, maxOutputBytes+1))
		if err != nil {
			return fmt.Errorf("read artifact: %w", err)
		}
		if len(payload) > maxOutputBytes {
			return fmt.Errorf("artifact exceeds %d bytes", maxOutputBytes)
		}
		sum := sha256.Sum256(payload)
		_, err = db.ExecContext(
			ctx,
			`INSERT INTO run_outputs (run_id, output, payload, integrity_sha256, loaded_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (run_id, output) DO UPDATE
			 SET payload = EXCLUDED.payload,
			     integrity_sha256 = EXCLUDED.integrity_sha256,
			     loaded_at = EXCLUDED.loaded_at`,
			run.Core().ID,
			output,
			payload,
			hex.EncodeToString(sum[:]),
		)
		if err != nil {
			return fmt.Errorf("insert run output: %w", err)
		}
		return nil
	}
}
