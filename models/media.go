package models

import (
	"path/filepath"
	"strings"
	"time"
)

// FallbackFrameRate is used to derive a duration when a container reports a
// zero frame rate.
const FallbackFrameRate = 16.0

// VideoMetadata describes a fully decoded video stream.
type VideoMetadata struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frameRate"`
	FrameCount int     `json:"frameCount"`
}

// Duration returns the stream length in seconds.
func (m VideoMetadata) Duration() float64 {
	if m.FrameRate > 0 {
		return float64(m.FrameCount) / m.FrameRate
	}
	return float64(m.FrameCount) / FallbackFrameRate
}

type MaskKind int

const (
	MaskStillImage MaskKind = iota
	MaskVideoFile
)

// MaskAsset is either a still image that still needs synthesis or a mask
// video ready for the engine.
type MaskAsset struct {
	Kind     MaskKind
	Path     string
	Metadata VideoMetadata // only set for synthesized mask videos
}

// MaskVideo is the synthesized form handed to the engine.
type MaskVideo struct {
	Path     string        `json:"path"`
	Metadata VideoMetadata `json:"metadata"`
}

var stillExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// ClassifyMask decides by extension whether a mask path is a still image.
func ClassifyMask(path string) MaskAsset {
	if stillExtensions[strings.ToLower(filepath.Ext(path))] {
		return MaskAsset{Kind: MaskStillImage, Path: path}
	}
	return MaskAsset{Kind: MaskVideoFile, Path: path}
}

// DeviceInfo is a point-in-time snapshot of one accelerator.
type DeviceInfo struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	TotalMemoryBytes uint64 `json:"totalMemoryBytes"`
	FreeMemoryBytes  uint64 `json:"freeMemoryBytes"`
}

// RecoveredArtifact is the engine output picked after a run.
type RecoveredArtifact struct {
	Path        string    `json:"path"`
	ModTime     time.Time `json:"mtime"`
	Destination string    `json:"destination"`
}
