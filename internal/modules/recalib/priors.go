// Package recalib adjusts the ensemble weights from realised outcomes
// using per-(regime, provider) Bayesian priors.
package recalib

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/domain"
)

const priorsFileName = "bayesian_priors.json"

// priorsFile persists the sufficient statistics between restarts. The
// document is versioned and rewritten atomically (temp file + rename)
// so a crash mid-write can never leave a torn file behind.
type priorsFile struct {
	path string
	log  zerolog.Logger
}

func newPriorsFile(dataDir string, log zerolog.Logger) *priorsFile {
	return &priorsFile{path: filepath.Join(dataDir, priorsFileName), log: log}
}

// load reads the priors document. A missing or corrupt file yields
// fresh empty priors; corruption is logged, never fatal.
func (f *priorsFile) load() *domain.BayesianPriors {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Warn().Err(err).Str("path", f.path).Msg("Failed to read priors file, starting fresh")
		}
		return domain.NewBayesianPriors()
	}

	var priors domain.BayesianPriors
	if err := json.Unmarshal(raw, &priors); err != nil || priors.Regimes == nil {
		f.log.Warn().Err(err).Str("path", f.path).Msg("Corrupt priors file, starting fresh")
		return domain.NewBayesianPriors()
	}
	if priors.Version != 1 {
		f.log.Warn().Int("version", priors.Version).Msg("Unknown priors schema version, starting fresh")
		return domain.NewBayesianPriors()
	}
	return &priors
}

// save atomically rewrites the priors document.
func (f *priorsFile) save(priors *domain.BayesianPriors) error {
	raw, err := json.MarshalIndent(priors, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), priorsFileName+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
