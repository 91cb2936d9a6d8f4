package artifact

import (
	"encoding/json"
	"fmt"
	"os"
)

// Release is one entry of the add-on release data file produced by the
// add-on build.
type Release struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}

type ReleaseData struct {
	AddOns []Release `json:"addons"`
}

func ReadReleaseData(path string) (*ReleaseData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the add-on release data: %w", err)
	}
	var rd ReleaseData
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, fmt.Errorf("failed to read the add-on release data: %w", err)
	}
	for i, r := range rd.AddOns {
		if r.URL == "" {
			return nil, fmt.Errorf("add-on release %d has no URL", i)
		}
	}
	return &rd, nil
}
