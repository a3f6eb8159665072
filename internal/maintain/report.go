package maintain

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/platform/fs"
)

// WriteReport persists a maintenance report as indented JSON, replacing
// any existing file atomically.
func WriteReport(path string, report any) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if err := fs.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
