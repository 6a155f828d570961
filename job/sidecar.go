package job

import (
	"encoding/json"
	"fmt"
	"os"
)

// SidecarPath is where the run description is written beside an output.
func SidecarPath(output string) string {
	return output + ".json"
}

// WriteSidecar records the result as JSON beside the recovered output.
func WriteSidecar(res Result) error {
	if res.Artifact == nil {
		return nil
	}
	file, err := os.Create(SidecarPath(res.Artifact.Destination))
	if err != nil {
		return fmt.Errorf("failed to create sidecar file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to encode sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads a result written by WriteSidecar.
func ReadSidecar(output string) (Result, error) {
	file, err := os.Open(SidecarPath(output))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open sidecar file: %w", err)
	}
	defer file.Close()

	var res Result
	if err := json.NewDecoder(file).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("failed to decode sidecar: %w", err)
	}
	return res, nil
}
