// Package checkpoint knows which files each model variant needs and how to
// fetch them.
package checkpoint

import (
	_ "embed"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"wanrunner/models"
)

//go:embed manifests.yaml
var manifestData []byte

// Variant describes one downloadable checkpoint.
type Variant struct {
	Name         string   `yaml:"name"`
	RepoID       string   `yaml:"repo_id"`
	Dir          string   `yaml:"dir"`
	SizeTag      string   `yaml:"size_tag"`
	Required     []string `yaml:"required"`
	Optional     []string `yaml:"optional"`
	TokenizerDir string   `yaml:"tokenizer_dir"`
}

type manifest struct {
	Variants []Variant `yaml:"variants"`
}

var variants map[string]Variant

func init() {
	var m manifest
	if err := yaml.Unmarshal(manifestData, &m); err != nil {
		panic("checkpoint: invalid embedded manifest: " + err.Error())
	}
	variants = make(map[string]Variant, len(m.Variants))
	for _, v := range m.Variants {
		variants[v.Name] = v
	}
}

// Lookup returns the variant with the given name.
func Lookup(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, models.WithHint(
			models.Newf(models.ErrConfiguration, "unknown model variant %q", name),
			"known variants: %s", strings.Join(Names(), ", "))
	}
	return v, nil
}

// Names lists the known variant names in sorted order.
func Names() []string {
	out := make([]string, 0, len(variants))
	for name := range variants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// VariantForCheckpoint guesses the variant from a checkpoint directory
// name. ok is false when nothing matches.
func VariantForCheckpoint(dir string) (Variant, bool) {
	base := filepath.Base(filepath.Clean(dir))
	for _, v := range variants {
		if strings.EqualFold(base, v.Dir) {
			return v, true
		}
	}
	lower := strings.ToLower(base)
	small := strings.Contains(base, "1.3B") || strings.Contains(base, "1_3B")
	switch {
	case strings.Contains(lower, "vace") && small:
		return variants["vace-1.3B"], true
	case strings.Contains(lower, "vace"):
		return variants["vace-14B"], true
	case strings.Contains(lower, "i2v") && strings.Contains(lower, "720"):
		return variants["i2v-720p"], true
	case strings.Contains(lower, "i2v"):
		return variants["i2v-480p"], true
	case small:
		return variants["1.3B"], true
	case strings.Contains(base, "14B"):
		return variants["14B"], true
	}
	return Variant{}, false
}
