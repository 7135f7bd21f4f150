package services

import (
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/ekaya-synth/pkg/joininfo"
	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

// WriteOutput publishes the output document at path. Readers see either the
// previous file or the complete new one.
func WriteOutput(path string, out *models.Output) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if err := joininfo.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	return nil
}
